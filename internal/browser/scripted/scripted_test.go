package scripted

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEngineDefaultScript(t *testing.T) {
	t.Parallel()

	l := NewLauncher(Script{})
	eng, err := l.Launch(context.Background())
	require.NoError(t, err)

	nav, err := eng.Navigate(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, 200, nav.StatusCode)
	require.Equal(t, "https://example.com/", nav.FinalURL)
	require.NoError(t, eng.WaitReady(context.Background()))

	img, err := eng.Screenshot(context.Background())
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(img, []byte("\x89PNG\r\n\x1a\n")))

	require.NoError(t, eng.Reset())
	require.NoError(t, eng.Close())
	require.EqualValues(t, 1, l.Launches())
	require.EqualValues(t, 1, l.Navigations())
	require.EqualValues(t, 1, l.Resets())
	require.EqualValues(t, 1, l.Closes())
}

func TestEngineRoutes(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	l := NewLauncher(Script{})
	l.Route("https://down.example/", Script{NavigateErr: boom})
	l.Route("https://missing.example/", Script{StatusCode: 404})

	eng, err := l.Launch(context.Background())
	require.NoError(t, err)

	_, err = eng.Navigate(context.Background(), "https://down.example/")
	require.ErrorIs(t, err, boom)

	nav, err := eng.Navigate(context.Background(), "https://missing.example/")
	require.NoError(t, err)
	require.Equal(t, 404, nav.StatusCode)
}

func TestEngineWaitReadyHonorsContext(t *testing.T) {
	t.Parallel()

	l := NewLauncher(Script{Delay: time.Minute})
	eng, err := l.Launch(context.Background())
	require.NoError(t, err)
	_, err = eng.Navigate(context.Background(), "https://slow.example/")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, eng.WaitReady(ctx), context.DeadlineExceeded)
}

func TestLauncherFailLaunches(t *testing.T) {
	t.Parallel()

	l := NewLauncher(Script{})
	l.FailLaunches(2, nil)

	for range 2 {
		_, err := l.Launch(context.Background())
		require.Error(t, err)
	}
	_, err := l.Launch(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, l.LaunchFailures())
	require.EqualValues(t, 1, l.Launches())
}

func TestEngineClosed(t *testing.T) {
	t.Parallel()

	l := NewLauncher(Script{})
	eng, err := l.Launch(context.Background())
	require.NoError(t, err)
	e := eng.(*Engine)
	require.NoError(t, e.Ping(context.Background()))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	require.True(t, e.Closed())
	require.ErrorIs(t, e.Ping(context.Background()), ErrClosed)
	_, err = e.Navigate(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, ErrClosed)
	require.EqualValues(t, 1, l.Closes())
}
