package queue

import (
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		strategy BackoffStrategy
		attempts int
		want     time.Duration
	}{
		{BackoffFixed, 1, base},
		{BackoffFixed, 5, base},
		{BackoffLinear, 1, base},
		{BackoffLinear, 3, 3 * base},
		{BackoffExponential, 1, base},
		{BackoffExponential, 2, 2 * base},
		{BackoffExponential, 4, 8 * base},
		{BackoffExponential, 0, base},
	}
	for _, tt := range tests {
		got := Backoff{Strategy: tt.strategy, BaseDelay: base}.Delay(tt.attempts)
		if got != tt.want {
			t.Errorf("%s attempts=%d: got %v, want %v", tt.strategy, tt.attempts, got, tt.want)
		}
	}
}

func TestBackoff_ExponentialDoesNotOverflow(t *testing.T) {
	d := Backoff{Strategy: BackoffExponential, BaseDelay: time.Millisecond}.Delay(200)
	if d <= 0 {
		t.Fatalf("expected positive delay, got %v", d)
	}
}
