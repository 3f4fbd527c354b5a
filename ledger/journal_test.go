package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cogcore/orchestrator/types"
)

func TestJournalAppendReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	outcomes := []types.Outcome{
		{PlanID: "p1", Provider: "anthropic", Attempt: 0, FeatureKey: "code/complex", Success: true, Rating: 0.9, LatencyMs: 210, CostUsd: 0.02, QualityScore: 0.8, Timestamp: time.UnixMilli(1000)},
		{PlanID: "p1", Provider: "openai", Attempt: 0, FeatureKey: "code/complex", Success: false, ErrorKind: types.ErrKindRateLimit, Timestamp: time.UnixMilli(2000)},
		{PlanID: "p2", Provider: "anthropic", Attempt: 1, FeatureKey: "general/simple", Success: true, Rating: 1, Timestamp: time.UnixMilli(3000)},
	}
	for i, o := range outcomes {
		idx, err := j.Append(o)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if idx != int64(i) {
			t.Fatalf("expected index %d, got %d", i, idx)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j2.Close()
	if j2.Offset() != 3 {
		t.Fatalf("expected recovered offset 3, got %d", j2.Offset())
	}

	var replayed []types.Outcome
	if err := j2.ReplayFrom(1, func(o types.Outcome) { replayed = append(replayed, o) }); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("expected 2 records from offset 1, got %d", len(replayed))
	}
	if replayed[0].Provider != "openai" || replayed[0].ErrorKind != types.ErrKindRateLimit {
		t.Fatalf("record 1 did not round-trip: %+v", replayed[0])
	}
	if replayed[1].PlanID != "p2" || replayed[1].FeatureKey != "general/simple" || replayed[1].Attempt != 1 {
		t.Fatalf("record 2 did not round-trip: %+v", replayed[1])
	}
}

func TestJournalCompactKeepsTailAndIndices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := j.Append(types.Outcome{PlanID: "p", Provider: "x", Attempt: i, FeatureKey: "k", Timestamp: time.UnixMilli(int64(i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Compact(3); err != nil {
		t.Fatalf("compact: %v", err)
	}

	// Surviving records keep their original global indices, and appends
	// continue from the pre-compaction offset.
	var got []int
	if err := j.ReplayFrom(0, func(o types.Outcome) { got = append(got, o.Attempt) }); err != nil {
		t.Fatalf("replay after compact: %v", err)
	}
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("expected attempts [3 4] to survive, got %v", got)
	}
	if idx, err := j.Append(types.Outcome{PlanID: "p", Provider: "x", Attempt: 5, FeatureKey: "k"}); err != nil || idx != 5 {
		t.Fatalf("expected next index 5, got %d err=%v", idx, err)
	}
	j.Close()

	// base survives a reopen via the header line.
	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	if j2.Offset() != 6 {
		t.Fatalf("expected offset 6 after reopen, got %d", j2.Offset())
	}
}

func TestLedgerJournalSnapshotSubsumesCompactedJournal(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	j, err := OpenJournal(filepath.Join(dir, "outcomes.jsonl"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	ctx := context.Background()
	l := New(Config{}, store, nil, nil)
	l.SetJournal(j)
	if err := l.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 4; i++ {
		l.Record(types.Outcome{PlanID: "plan-j", Provider: "p1", Attempt: i, FeatureKey: "code/complex", Success: true, Rating: 0.9})
	}
	waitForQueueDrain(t, l)
	if err := l.Stop(ctx); err != nil { // final flush tags the snapshot and compacts
		t.Fatalf("stop: %v", err)
	}
	j.Close()

	// A fresh ledger over the same store+journal recovers the profile even
	// though every journaled record was subsumed by the snapshot.
	j2, err := OpenJournal(filepath.Join(dir, "outcomes.jsonl"))
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j2.Close()
	l2 := New(Config{}, store, nil, nil)
	l2.SetJournal(j2)
	if err := l2.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer l2.Stop(ctx)

	p, ok := l2.Profile("p1", "code/complex")
	if !ok || p.Attempts != 4 {
		t.Fatalf("expected restored profile with 4 attempts, got %+v ok=%v", p, ok)
	}
	off, err := store.LoadOffset(ctx)
	if err != nil || off != 4 {
		t.Fatalf("expected snapshot offset 4, got %d err=%v", off, err)
	}
}
