package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsInactive(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}
	threshold := 30 * time.Minute

	tests := []struct {
		name string
		last *time.Time
		want bool
	}{
		{"never active", nil, true},
		{"just now", at(0), false},
		{"below threshold", at(threshold - time.Nanosecond), false},
		{"exactly threshold", at(threshold), false},
		{"above threshold", at(threshold + time.Nanosecond), true},
		{"long ago", at(24 * time.Hour), true},
		{"future timestamp", at(-time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsInactive(tt.last, threshold, now))
		})
	}
}
