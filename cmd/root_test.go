package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/config"
	"github.com/JakeFAU/episode-sync/internal/proxy"
)

type mockApp struct {
	mock.Mock
}

func (m *mockApp) RunSync(ctx context.Context) (catalog.RunSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(catalog.RunSummary), args.Error(1)
}

func (m *mockApp) Serve(ctx context.Context, addr string) error {
	args := m.Called(ctx, addr)
	return args.Error(0)
}

func (m *mockApp) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type staticPool proxy.Stats

func (p staticPool) Stats() proxy.Stats { return proxy.Stats(p) }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
source:
  base_url: https://site.example
logging:
  development: false
  level: error
`

// stubFactories swaps the package factories for the duration of t. Tests using it must not
// run in parallel.
func stubFactories(t *testing.T, app App, pool ProxyPool) {
	t.Helper()
	prevApp, prevPool, prevLogger := newApp, newProxyPool, newLogger
	t.Cleanup(func() { newApp, newProxyPool, newLogger = prevApp, prevPool, prevLogger })

	newApp = func(context.Context, *config.Config, *zap.Logger) (App, error) {
		if app == nil {
			return nil, errors.New("no app")
		}
		return app, nil
	}
	newProxyPool = func(context.Context, *config.Config, *zap.Logger) (ProxyPool, error) {
		return pool, nil
	}
	newLogger = func(config.LoggingConfig) (*zap.Logger, error) { return zap.NewNop(), nil }
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSyncPrintsSummary(t *testing.T) {
	app := &mockApp{}
	app.On("RunSync", mock.Anything).Return(catalog.RunSummary{RunID: "run-1", New: 2, Servers: 5}, nil)
	app.On("Close", mock.Anything).Return(nil)
	stubFactories(t, app, nil)

	out, err := execute(t, "sync", "--config", writeConfig(t, minimalConfig))
	require.NoError(t, err)

	var summary catalog.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, "run-1", summary.RunID)
	require.Equal(t, 2, summary.New)
	require.Equal(t, 5, summary.Servers)
	app.AssertExpectations(t)
	app.AssertNotCalled(t, "Serve", mock.Anything, mock.Anything)
}

func TestSyncServesMetricsDuringPass(t *testing.T) {
	app := &mockApp{}
	app.On("Serve", mock.Anything, "127.0.0.1:9999").Return(nil)
	app.On("RunSync", mock.Anything).Return(catalog.RunSummary{}, nil)
	app.On("Close", mock.Anything).Return(nil)
	stubFactories(t, app, nil)

	_, err := execute(t, "sync", "--config", writeConfig(t, minimalConfig), "--metrics-addr", "127.0.0.1:9999")
	require.NoError(t, err)
	app.AssertExpectations(t)
}

func TestSyncReportsPassFailure(t *testing.T) {
	app := &mockApp{}
	app.On("RunSync", mock.Anything).Return(catalog.RunSummary{}, catalog.ErrUnavailable)
	app.On("Close", mock.Anything).Return(nil)
	stubFactories(t, app, nil)

	_, err := execute(t, "sync", "--config", writeConfig(t, minimalConfig))
	require.ErrorIs(t, err, catalog.ErrUnavailable)
	app.AssertCalled(t, "Close", mock.Anything)
}

func TestSyncRejectsInvalidConfig(t *testing.T) {
	stubFactories(t, nil, nil)

	_, err := execute(t, "sync", "--config", writeConfig(t, "logging:\n  level: info\n"))
	require.ErrorContains(t, err, "source.base_url")
}

func TestServeRequiresAddress(t *testing.T) {
	stubFactories(t, &mockApp{}, nil)

	_, err := execute(t, "serve", "--config", writeConfig(t, minimalConfig))
	require.ErrorContains(t, err, "no listen address")
}

func TestProxiesPrintsStats(t *testing.T) {
	stubFactories(t, nil, staticPool{Total: 3, Failed: 1, Active: 2, Enabled: true})

	out, err := execute(t, "proxies", "--config", writeConfig(t, minimalConfig))
	require.NoError(t, err)

	var stats proxy.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, proxy.Stats{Total: 3, Failed: 1, Active: 2, Enabled: true}, stats)
}
