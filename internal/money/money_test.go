package money

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRound(t *testing.T) {
	cases := []struct {
		name string
		in   float64
		want float64
	}{
		{"exact", 500.00, 500.00},
		{"half up", 10.005, 10.01},
		{"down", 10.004, 10.00},
		{"up", 10.006, 10.01},
		{"long tail", 0.1 + 0.2, 0.30},
		{"negative", -10.005, -10.01},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.InDelta(t, tc.want, Round(tc.in), 1e-9)
		})
	}
}

func TestNormalizeQuantity(t *testing.T) {
	require.Equal(t, 0.0, NormalizeQuantity(-5))
	require.InDelta(t, 2.5, NormalizeQuantity(2.5), 1e-9)
	require.InDelta(t, 2.46, NormalizeQuantity(2.456), 1e-9)
}

func TestDiscountFromPercent(t *testing.T) {
	require.InDelta(t, 50.00, DiscountFromPercent(500, 10), 1e-9)
	require.InDelta(t, 0, DiscountFromPercent(500, 0), 1e-9)
	require.InDelta(t, 500, DiscountFromPercent(500, 100), 1e-9)
	require.InDelta(t, 16.67, DiscountFromPercent(100, 16.666), 1e-9)
}

func TestDiscountToPercent(t *testing.T) {
	require.InDelta(t, 10, DiscountToPercent(500, 50), 1e-9)
	require.Equal(t, 0.0, DiscountToPercent(0, 50))
	require.InDelta(t, 33.33, DiscountToPercent(300, 100), 1e-9)
}

func TestNetClampsAtZero(t *testing.T) {
	require.InDelta(t, 450, Net(500, 50), 1e-9)
	require.Equal(t, 0.0, Net(100, 150))
	require.InDelta(t, 0, Net(0, 0), 1e-9)
}

// Deriving the percentage from a value and feeding it back through the
// percent path must not drift beyond a cent per round trip.
func TestDiscountRoundTrip(t *testing.T) {
	gross := 379.87
	value := 41.53
	pct := DiscountToPercent(gross, value)
	back := DiscountFromPercent(gross, pct)
	require.InDelta(t, value, back, 0.01)

	pct2 := DiscountToPercent(gross, back)
	require.InDelta(t, pct, pct2, 0.01)
}

func TestGross(t *testing.T) {
	require.InDelta(t, 500.00, Gross(10, 50), 1e-9)
	require.InDelta(t, 0.30, Gross(3, 0.1), 1e-9)
}
