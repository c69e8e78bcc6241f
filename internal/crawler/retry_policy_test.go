package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, 5, p.MaxAttempts())
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, 400*time.Millisecond)
	for attempt := 0; attempt < 6; attempt++ {
		expected := 100 * time.Millisecond << attempt
		if expected > 400*time.Millisecond {
			expected = 400 * time.Millisecond
		}
		for i := 0; i < 20; i++ {
			got := p.Backoff(attempt)
			require.GreaterOrEqual(t, got, expected/2)
			require.LessOrEqual(t, got, expected)
		}
	}
}
