package payments

import "testing"

func TestFareRoundsUpToStartedMinute(t *testing.T) {
	cases := []struct {
		ms   int64
		want int64
	}{
		{0, 0},
		{-100, 0},
		{1, 15},       // any time at all starts a minute
		{60000, 15},   // exactly one minute
		{60001, 30},   // a second minute has started
		{430000, 120}, // 7m10s -> 8 minutes
	}
	for _, tc := range cases {
		if got := Fare(tc.ms, 15); got != tc.want {
			t.Fatalf("Fare(%d) = %d, want %d", tc.ms, got, tc.want)
		}
	}
}
