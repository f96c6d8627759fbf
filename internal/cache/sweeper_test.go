package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := NewSweeper(New(Config{}), "not a schedule", zap.NewNop())
	require.Error(t, err)

	_, err = NewSweeper(nil, "", nil)
	require.Error(t, err)
}

func TestSweeperRemovesExpiredEntries(t *testing.T) {
	t.Parallel()

	clock := newClock()
	c := New(Config{TTL: time.Second, Clock: clock})
	install(c, "https://example.com/expired", "x")
	clock.Advance(time.Hour)

	s, err := NewSweeper(c, "@every 10ms", zap.NewNop())
	require.NoError(t, err)
	s.Start()
	defer func() {
		require.NoError(t, s.Stop(context.Background()))
	}()

	require.Eventually(t, func() bool {
		return c.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}
