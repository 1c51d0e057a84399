package pipeline

import "testing"

func TestRemapOptionalPercent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		native, want int
	}{
		{0, 50},
		{40, 68},
		{50, 73}, // 50 + round(22.5) rounds half away from zero
		{100, 95},
	}
	for _, tt := range tests {
		if got := remapOptionalPercent(tt.native); got != tt.want {
			t.Errorf("remapOptionalPercent(%d) = %d, want %d", tt.native, got, tt.want)
		}
	}
}

func TestScaleMandatoryPercent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		native, want int
	}{
		{0, 0},
		{10, 5},
		{80, 40},
		{100, 50},
	}
	for _, tt := range tests {
		if got := scaleMandatoryPercent(tt.native); got != tt.want {
			t.Errorf("scaleMandatoryPercent(%d) = %d, want %d", tt.native, got, tt.want)
		}
	}
}
