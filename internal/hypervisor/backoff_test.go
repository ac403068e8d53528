package hypervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextBackoffDoublesPerFailure(t *testing.T) {
	base := 50 * time.Millisecond
	max := 10 * time.Second

	require.Equal(t, base, nextBackoff(base, max, 0))
	require.Equal(t, 2*base, nextBackoff(base, max, 1))
	require.Equal(t, 4*base, nextBackoff(base, max, 2))
	require.Equal(t, 8*base, nextBackoff(base, max, 3))
}

func TestNextBackoffNeverExceedsMax(t *testing.T) {
	base := time.Second
	max := 5 * time.Second
	for failures := 0; failures < 40; failures++ {
		require.LessOrEqual(t, nextBackoff(base, max, failures), max)
	}
}

func TestNextBackoffNegativeFailuresTreatedAsZero(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second
	require.Equal(t, base, nextBackoff(base, max, -5))
}
