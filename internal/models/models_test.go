package models

import "testing"

func TestProcessingStateClassification(t *testing.T) {
	for _, state := range []ProcessingState{ProcessingReady, ProcessingFailed} {
		if !state.Terminal() {
			t.Fatalf("expected %s to be terminal", state)
		}
		if state.Active() {
			t.Fatalf("expected %s not to be active", state)
		}
	}
	for _, state := range []ProcessingState{ProcessingUploading, ProcessingTranscoding, ProcessingPackaging} {
		if !state.Active() {
			t.Fatalf("expected %s to be active", state)
		}
		if state.Terminal() {
			t.Fatalf("expected %s not to be terminal", state)
		}
	}
	if ProcessingQueued.Active() || ProcessingQueued.Terminal() {
		t.Fatal("queued should be neither active nor terminal")
	}
	if ProcessingState("bogus").Valid() {
		t.Fatal("unknown state should not validate")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to ProcessingState
		want     bool
	}{
		{ProcessingQueued, ProcessingUploading, true},
		{ProcessingUploading, ProcessingTranscoding, true},
		{ProcessingTranscoding, ProcessingPackaging, true},
		{ProcessingPackaging, ProcessingReady, true},
		{ProcessingQueued, ProcessingTranscoding, false},
		{ProcessingUploading, ProcessingReady, false},
		{ProcessingReady, ProcessingFailed, false},
		{ProcessingReady, ProcessingQueued, false},
		{ProcessingFailed, ProcessingQueued, false},
		{ProcessingQueued, ProcessingFailed, true},
		{ProcessingTranscoding, ProcessingFailed, true},
		{ProcessingPackaging, ProcessingQueued, true},
		{ProcessingUploading, ProcessingQueued, true},
		{ProcessingQueued, ProcessingState("bogus"), false},
		{ProcessingState("bogus"), ProcessingQueued, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("  Approved ")
	if err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if status != StatusApproved {
		t.Fatalf("expected approved, got %s", status)
	}
	if _, err := ParseStatus("published"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestVideoSourcePrefix(t *testing.T) {
	video := Video{ID: "abc123"}
	if got := video.SourcePrefix(); got != "videos/abc123/" {
		t.Fatalf("unexpected prefix %q", got)
	}
}
