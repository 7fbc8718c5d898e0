package vad

import "testing"

func TestFromPair(t *testing.T) {
	tests := []struct {
		name      string
		start     int64
		end       int64
		want      Event
		expectErr bool
	}{
		{name: "open", start: 1000, end: -1, want: Open{StartMs: 1000}},
		{name: "close", start: -1, end: 1400, want: Close{EndMs: 1400}},
		{name: "instant", start: 500, end: 800, want: Instant{StartMs: 500, EndMs: 800}},
		{name: "zero start open", start: 0, end: -1, want: Open{StartMs: 0}},
		{name: "both unknown", start: -1, end: -1, expectErr: true},
		{name: "reversed", start: 800, end: 500, expectErr: true},
		{name: "garbage", start: -7, end: 3, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromPair(tt.start, tt.end)
			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error for (%d, %d), got %v", tt.start, tt.end, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEventString(t *testing.T) {
	events := map[Event]string{
		Open{StartMs: 10}:               "open(10)",
		Close{EndMs: 20}:                "close(20)",
		Instant{StartMs: 10, EndMs: 20}: "instant(10,20)",
	}
	for ev, want := range events {
		if ev.String() != want {
			t.Errorf("expected %q, got %q", want, ev.String())
		}
	}
}
