package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/config"
	"github.com/JakeFAU/policy-news-crawler/internal/storage/memory"
)

// mockCloser mocks io.Closer.
type mockCloser struct {
	mock.Mock
}

func (m *mockCloser) Close() error {
	args := m.Called()
	return args.Error(0)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Browser.Mode = "static"
	cfg.Storage.Blobs = "local"
	cfg.Storage.LocalDir = t.TempDir()
	return cfg
}

func TestNew_MemoryStack(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.IsType(t, &memory.RecordStore{}, a.Records)
	assert.IsType(t, &memory.RunStore{}, a.Runs)
	assert.NotNil(t, a.Orchestrator)
	assert.NotNil(t, a.Listing)
	assert.NotNil(t, a.Detail)
	assert.Nil(t, a.Remote)

	_, err = a.RemoteOrchestrator()
	assert.ErrorIs(t, err, ErrRemoteDisabled)
}

func TestNew_MemoryBlobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Blobs = "memory"

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.IsType(t, &memory.BlobStore{}, a.Blobs)
}

func TestNew_WithRemote(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.BaseURL = "https://remote.example.org"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NotNil(t, a.Remote)
	remoteOrch, err := a.RemoteOrchestrator()
	require.NoError(t, err)
	assert.NotSame(t, a.Orchestrator, remoteOrch)
}

func TestNew_UnknownBrowserMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Browser.Mode = "firefox"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "init browser")
}

func TestNew_UnknownStores(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Records = "mongo"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Storage.Blobs = "s3"
	_, err = New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestApp_ServerRoutes(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	handler := a.Server().Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/crawler/cron?key=wrong", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApp_Close(t *testing.T) {
	first := new(mockCloser)
	second := new(mockCloser)
	var order []string
	first.On("Close").Run(func(mock.Arguments) { order = append(order, "first") }).Return(nil).Once()
	second.On("Close").Run(func(mock.Arguments) { order = append(order, "second") }).Return(nil).Once()

	a := &App{Logger: zap.NewNop()}
	a.track("first", first)
	a.track("second", second)
	a.Close()
	a.Close()

	first.AssertExpectations(t)
	second.AssertExpectations(t)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestApp_Close_WithErrors(t *testing.T) {
	dbMock := new(mockCloser)
	lockMock := new(mockCloser)
	dbMock.On("Close").Return(errors.New("db error")).Once()
	lockMock.On("Close").Return(errors.New("redis error")).Once()

	a := &App{}
	a.track("postgres", dbMock)
	a.track("redis", lockMock)
	a.Close()

	dbMock.AssertExpectations(t)
	lockMock.AssertExpectations(t)
}

func TestApp_CloseNil(t *testing.T) {
	var a *App
	assert.NotPanics(t, a.Close)
}
