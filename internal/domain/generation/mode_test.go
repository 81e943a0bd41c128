package generation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseModeAcceptsAliases(t *testing.T) {
	cases := map[string]Mode{
		"vision_3d":       ModeVision3D,
		"3d_vision":       ModeVision3D,
		"2d_redesign":     ModeRedesign2D,
		" Freestyle ":     ModeFreestyle,
		"virtual_staging": ModeVirtualStaging,
	}
	for in, want := range cases {
		got, ok := ParseMode(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}

	_, ok := ParseMode("upscale")
	require.False(t, ok)
}

func TestCreditCost(t *testing.T) {
	for _, m := range AllModes {
		want := 1
		if m == ModeVirtualStaging {
			want = 2
		}
		require.Equal(t, want, CreditCost(m, false), m)
		require.Equal(t, want+1, CreditCost(m, true), m)
	}
}

func TestModeRules(t *testing.T) {
	require.Equal(t, PriorityStaging, ModeVirtualStaging.Priority())
	require.Equal(t, PriorityStandard, ModeRedesign2D.Priority())

	require.False(t, ModeFreestyle.RequiresImage())
	require.True(t, ModeFreestyle.RequiresPrompt())
	for _, m := range AllModes {
		if m != ModeFreestyle {
			require.True(t, m.RequiresImage(), m)
			require.False(t, m.RequiresPrompt(), m)
		}
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, "2s", p.Backoff(1).String())
	require.Equal(t, "4s", p.Backoff(2).String())
	require.Equal(t, "8s", p.Backoff(3).String())
	require.Equal(t, "30s", p.Backoff(10).String())
}
