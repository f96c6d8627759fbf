package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/browser/noop"
	"github.com/JakeFAU/webshot/internal/browser/scripted"
	"github.com/JakeFAU/webshot/internal/clock/system"
	"github.com/JakeFAU/webshot/internal/config"
	"github.com/JakeFAU/webshot/internal/id/uuid"
)

func TestNewLauncherByDriver(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Browser.Driver = config.DriverScripted
	l, err := newLauncher(cfg, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &scripted.Launcher{}, l)

	cfg.Browser.Driver = config.DriverNoop
	l, err = newLauncher(cfg, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &noop.Launcher{}, l)
}

func TestNewArchiverDisabled(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)

	rec, closeFn, err := newArchiver(context.Background(), cfg, uuid.New(), zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, rec)
	closeFn()
}

func TestNewArchiverMemory(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = config.BackendMemory

	rec, closeFn, err := newArchiver(context.Background(), cfg, uuid.New(), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, rec)
	closeFn()
}

func TestNewArchiverLocal(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = config.BackendLocal
	cfg.Storage.LocalDir = t.TempDir()

	rec, closeFn, err := newArchiver(context.Background(), cfg, uuid.New(), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, rec)
	closeFn()
}

func TestServeClosesPoolWhenWiringFails(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Pool.Size = 2
	cfg.Storage.Backend = config.BackendLocal
	notDir := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o600))
	cfg.Storage.LocalDir = notDir

	launcher := scripted.NewLauncher(scripted.Script{})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	err = serve(ctx, stop, cfg, zap.NewNop(), launcher, system.New(), uuid.New())
	require.ErrorContains(t, err, "local blob store")
	require.Equal(t, int64(2), launcher.Launches())
	require.Eventually(t, func() bool {
		for _, e := range launcher.Engines() {
			if !e.Closed() {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}
