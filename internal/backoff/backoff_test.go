package backoff_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/quayside/go-auth-session/internal/backoff"
	"github.com/stretchr/testify/require"
)

func TestDelay_Curve(t *testing.T) {
	expected := map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		4: 40 * time.Second,
		5: 80 * time.Second,
		6: 160 * time.Second,
		7: 320 * time.Second,
		8: 320 * time.Second, // capped
	}
	for attempt, want := range expected {
		require.Equal(t, want, backoff.Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelay_ClampsBadInput(t *testing.T) {
	require.Equal(t, backoff.Base, backoff.Delay(0))
	require.Equal(t, backoff.Base, backoff.Delay(-3))
}

func TestJittered_StaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for attempt := 1; attempt <= 10; attempt++ {
		base := backoff.Delay(attempt)
		spread := time.Duration(float64(base) * backoff.JitterFraction)
		for i := 0; i < 100; i++ {
			d := backoff.Jittered(attempt, rng)
			require.GreaterOrEqual(t, d, base-spread)
			require.LessOrEqual(t, d, base+spread)
		}
	}
}
