package utils

import (
	"math"
	"testing"
	"time"
)

func TestRoundToStep(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		step     float64
		expected float64
	}{
		{"round down fraction", 0.123456, 0.001, 0.123},
		{"round down two decimals", 1.999, 0.01, 1.99},
		{"whole step", 100.5, 1.0, 100.0},
		{"exact multiple", 0.5, 0.1, 0.5},
		{"zero step returns value", 1.2345, 0, 1.2345},
		{"negative step returns value", 1.2345, -1, 1.2345},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToStep(tt.value, tt.step)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("RoundToStep(%v, %v) = %v, want %v", tt.value, tt.step, got, tt.expected)
			}
		})
	}
}

func TestMidPrice(t *testing.T) {
	tests := []struct {
		name     string
		bid, ask float64
		fallback float64
		expected float64
	}{
		{"both sides present", 0.99, 1.01, 1.5, 1.0},
		{"missing bid uses fallback", 0, 1.01, 1.5, 1.5},
		{"missing ask uses fallback", 0.99, 0, 1.5, 1.5},
		{"empty book uses fallback", 0, 0, 42.0, 42.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MidPrice(tt.bid, tt.ask, tt.fallback)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("MidPrice(%v, %v, %v) = %v, want %v", tt.bid, tt.ask, tt.fallback, got, tt.expected)
			}
		})
	}
}

func TestRelativeChange(t *testing.T) {
	if got := RelativeChange(100, 101); math.Abs(got-0.01) > 1e-9 {
		t.Errorf("RelativeChange(100, 101) = %v, want 0.01", got)
	}
	if got := RelativeChange(100, 99); math.Abs(got-0.01) > 1e-9 {
		t.Errorf("RelativeChange(100, 99) = %v, want 0.01", got)
	}
	if got := RelativeChange(0, 99); got != 0 {
		t.Errorf("RelativeChange(0, 99) = %v, want 0", got)
	}
}

func TestDayStartUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	// 2024-01-15 02:30 UTC+5 = 2024-01-14 21:30 UTC
	local := time.Date(2024, 1, 15, 2, 30, 0, 0, loc)

	start := DayStartUTC(local)
	want := time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Errorf("DayStartUTC = %v, want %v", start, want)
	}
}

func TestSameDayUTC(t *testing.T) {
	a := time.Date(2024, 1, 15, 0, 0, 1, 0, time.UTC)
	b := time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC)
	c := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)

	if !SameDayUTC(a, b) {
		t.Error("expected a and b in same UTC day")
	}
	if SameDayUTC(b, c) {
		t.Error("expected b and c in different UTC days")
	}
}
