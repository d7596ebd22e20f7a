package attendance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeDelay(t *testing.T) {
	cases := []struct {
		start, check string
		want         int
	}{
		{"07:00", "07:15", 15},
		{"07:00", "06:55", 0},
		{"07:00", "07:00", 0},
		{"07:30", "09:05", 95},
		{"bad", "00:10", 10},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ComputeDelay(tc.start, tc.check), "%s -> %s", tc.start, tc.check)
	}
}

func TestComputeDelayMonotonic(t *testing.T) {
	for _, start := range []string{"00:00", "07:00", "12:45", "23:59"} {
		prev := 0
		for m := 0; m < 24*60; m++ {
			got := ComputeDelay(start, fmt.Sprintf("%02d:%02d", m/60, m%60))
			assert.GreaterOrEqual(t, got, 0)
			if got < prev {
				t.Fatalf("delay decreased for start %s at minute %d", start, m)
			}
			prev = got
		}
	}
}
