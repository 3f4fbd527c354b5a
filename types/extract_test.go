package types

import "testing"

func TestExtractFeaturesIsDeterministic(t *testing.T) {
	r := &Request{
		Prompt:           "Please refactor this function, it has a critical security bug.",
		TaskType:         TaskCode,
		QualityThreshold: 0.95,
	}

	a := ExtractFeatures(r)
	b := ExtractFeatures(r)

	if a.Domain != b.Domain || a.Complexity != b.Complexity || a.LengthBucket != b.LengthBucket {
		t.Fatalf("ExtractFeatures is not deterministic: %+v vs %+v", a, b)
	}
	if a.Domain != DomainCode {
		t.Fatalf("expected domain=code for TaskCode, got %s", a.Domain)
	}
	if a.Complexity != ComplexityCritical {
		t.Fatalf("expected complexity=critical for quality threshold 0.95, got %s", a.Complexity)
	}
}

func TestExtractFeaturesBucket(t *testing.T) {
	f := Features{Domain: DomainCode, Complexity: ComplexityComplex}
	if f.Bucket() != "code/complex" {
		t.Fatalf("unexpected bucket: %s", f.Bucket())
	}
}

func TestExtractFeaturesLengthBuckets(t *testing.T) {
	short := ExtractFeatures(&Request{Prompt: "hi there"})
	if short.LengthBucket != LengthShort {
		t.Fatalf("expected short bucket, got %s", short.LengthBucket)
	}

	long := &Request{}
	for i := 0; i < 400; i++ {
		long.Prompt += "word "
	}
	lf := ExtractFeatures(long)
	if lf.LengthBucket != LengthLong {
		t.Fatalf("expected long bucket, got %s", lf.LengthBucket)
	}
}
