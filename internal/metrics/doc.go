/*
Package metrics provides Prometheus-based metrics collection for the
four domains that actually produce signal in this core: plans (C3),
outcomes (C2/C4), the learning scheduler (C6), and provider health (C1).

# Overview

Collector registers and records Prometheus vectors through promauto's
auto-registration, so callers never manage a Registry by hand. Every
metric is namespaced and label-grouped for dashboards and alerting.

# Core types

  - Collector: holds the Counter/Histogram vectors, grouped by the
    plan/outcome/scheduler/provider-health domains they measure.

# Capabilities

  - Plan metrics: counts by shape and explore/exploit, and a confidence
    histogram.
  - Outcome metrics: counts by provider/feature/success, latency and
    quality histograms, and a cost counter.
  - Scheduler metrics: mode-change counts, auto-rollback counts per
    bucket, and goal achieved/expired counts.
  - Provider health metrics: health state transition counts.
*/
package metrics
