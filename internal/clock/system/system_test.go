package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkrelay/internal/relay"
)

func TestClockReportsCurrentUTC(t *testing.T) {
	t.Parallel()

	var clk relay.Clock = New()

	before := time.Now()
	got := clk.Now()
	after := time.Now()

	require.Equal(t, time.UTC, got.Location())
	require.False(t, got.Before(before.Add(-time.Millisecond)))
	require.False(t, got.After(after.Add(time.Millisecond)))
	require.False(t, clk.Now().Before(got), "clock must not run backwards")
}
