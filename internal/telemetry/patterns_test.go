package telemetry

import "testing"

func TestConfidenceDefaultsToHalfForUnknownTrigger(t *testing.T) {
	store, err := OpenPatternStore("")
	if err != nil {
		t.Fatalf("OpenPatternStore: %v", err)
	}
	defer store.Close()

	conf, success, failure, err := store.Confidence("never-seen")
	if err != nil {
		t.Fatalf("Confidence: %v", err)
	}
	if conf != 0.5 || success != 0 || failure != 0 {
		t.Errorf("got conf=%v success=%d failure=%d", conf, success, failure)
	}
}

func TestRecordSuccessAndFailureUpdateConfidence(t *testing.T) {
	store, err := OpenPatternStore("")
	if err != nil {
		t.Fatalf("OpenPatternStore: %v", err)
	}
	defer store.Close()

	store.RecordSuccess("t1")
	store.RecordSuccess("t1")
	store.RecordFailure("t1")

	conf, success, failure, err := store.Confidence("t1")
	if err != nil {
		t.Fatalf("Confidence: %v", err)
	}
	if success != 2 || failure != 1 {
		t.Fatalf("got success=%d failure=%d", success, failure)
	}
	want := 2.0 / 3.0
	if conf < want-0.001 || conf > want+0.001 {
		t.Errorf("confidence = %v, want ~%v", conf, want)
	}
}
