package queue

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: 1 * time.Second}, // clamped to attempts=1
		{attempts: 1, want: 1 * time.Second},
		{attempts: 2, want: 2 * time.Second},
		{attempts: 3, want: 4 * time.Second},
		{attempts: 4, want: 8 * time.Second},
		{attempts: 5, want: 16 * time.Second},
	}
	for _, tc := range cases {
		got := Backoff(tc.attempts)
		if got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestNextAvailableAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := NextAvailableAt(now, 3)
	want := now.Add(4 * time.Second)
	if !got.Equal(want) {
		t.Errorf("NextAvailableAt(now, 3) = %v, want %v", got, want)
	}
}

func TestChannel(t *testing.T) {
	if got := Channel("trigger_forward"); got != "job_queue_trigger_forward" {
		t.Errorf("Channel(%q) = %q", "trigger_forward", got)
	}
	if AllChannel != "job_queue_all" {
		t.Errorf("AllChannel = %q", AllChannel)
	}
}
