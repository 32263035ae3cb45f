package timeslice

import (
	"bytes"
	"testing"
	"time"
)

var (
	timesliceA = RegisterKind("a", SliceFlagGuestTime)
	timesliceB = RegisterKind("b", 0)
)

func TestTimeslice(t *testing.T) {
	var buf bytes.Buffer
	func() {
		w, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer w.Close()

		Record(timesliceA, 100*time.Millisecond)
		Record(timesliceB, 200*time.Millisecond)
		Record(timesliceA, 300*time.Millisecond)
	}()

	var seen []string
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(kind Kind, d time.Duration) error {
		seen = append(seen, kind.Name)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "a" {
		t.Fatalf("unexpected records %v", seen)
	}

	sums, err := Summarize(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(sums))
	}
	a := sums[0]
	if a.Kind.Name != "a" || a.Count != 2 || a.Total != 400*time.Millisecond {
		t.Fatalf("unexpected summary for a: %+v", a)
	}
	if a.Min != 100*time.Millisecond || a.Max != 300*time.Millisecond || a.Mean() != 200*time.Millisecond {
		t.Fatalf("unexpected bounds for a: %+v", a)
	}
	if a.Kind.Flags != SliceFlagGuestTime {
		t.Fatalf("flags not preserved: %v", a.Kind.Flags)
	}
}

func TestRecordWithoutRecordingIsNoop(t *testing.T) {
	Record(timesliceA, time.Second)
	NewRecorder().Record(timesliceB)
}

func TestDoubleStart(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer w.Close()

	if _, err := StartRecording(&buf); err == nil {
		t.Fatalf("expected second StartRecording to fail")
	}
}

func TestInvalidMagic(t *testing.T) {
	err := ReadAllRecords(bytes.NewReader(make([]byte, 32)), func(Kind, time.Duration) error { return nil })
	if err == nil {
		t.Fatalf("expected error for invalid magic")
	}
}
