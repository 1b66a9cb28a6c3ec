package utils

import "testing"

func TestRelDiff(t *testing.T) {
	cases := []struct {
		value, reference, want float64
	}{
		{100, 100, 0},
		{101, 100, 0.01},
		{99, 100, 0.01},
		{0, 0, 0},
		{5, 0, 1},
	}
	for _, c := range cases {
		if got := RelDiff(c.value, c.reference); !FloatEquals(got, c.want) {
			t.Errorf("RelDiff(%v, %v) = %v, want %v", c.value, c.reference, got, c.want)
		}
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(75, 5, 50); got != 50 {
		t.Errorf("Clamp above range: got %v", got)
	}
	if got := Clamp(1, 5, 50); got != 5 {
		t.Errorf("Clamp below range: got %v", got)
	}
	if got := Clamp(20, 5, 50); got != 20 {
		t.Errorf("Clamp inside range: got %v", got)
	}
}

func TestRoundToPrecision(t *testing.T) {
	if got := RoundToPrecision(1.23456, 2); got != 1.23 {
		t.Errorf("Expected 1.23, got %v", got)
	}
	if got := RoundToPrecision(1.235, 2); got != 1.24 {
		t.Errorf("Expected 1.24, got %v", got)
	}
}
