package storage

import "testing"

func TestMinutesToClock(t *testing.T) {
	cases := map[int]string{
		0:    "00:00",
		540:  "09:00",
		570:  "09:30",
		1020: "17:00",
		1439: "23:59",
	}
	for in, want := range cases {
		if got := minutesToClock(in); got != want {
			t.Fatalf("minutesToClock(%d) = %q, want %q", in, got, want)
		}
	}
}
