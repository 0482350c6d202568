package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abiroot/ispbot/internal/config"
	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/session"
	"github.com/abiroot/ispbot/internal/timer"
)

func backendConfig() *config.Config {
	return &config.Config{
		BackendBaseURL: "https://backend.example.com",
		BackendAPIKey:  "test-key",
	}
}

func TestProvideBackendDisabled(t *testing.T) {
	t.Parallel()

	client, err := provideBackend(&config.Config{}, log.NewNop())
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestProvideBackendConfigured(t *testing.T) {
	t.Parallel()

	client, err := provideBackend(backendConfig(), log.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestProvideBackendRejectsBadURL(t *testing.T) {
	t.Parallel()

	cfg := backendConfig()
	cfg.BackendBaseURL = "not-a-url"
	_, err := provideBackend(cfg, log.NewNop())
	assert.Error(t, err)
}

func TestProvideToolsWithoutBackend(t *testing.T) {
	t.Parallel()

	registry, err := provideTools(nil, log.NewNop())
	require.NoError(t, err)
	assert.Zero(t, registry.Count())
}

func TestProvideToolsRegistersSupportTools(t *testing.T) {
	t.Parallel()

	client, err := provideBackend(backendConfig(), log.NewNop())
	require.NoError(t, err)

	registry, err := provideTools(client, log.NewNop())
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"lookupCustomer", "getBalance", "sendPaymentLink"},
		registry.Names())
}

func TestProvideWizard(t *testing.T) {
	t.Parallel()

	logger := log.NewNop()
	cfg := backendConfig()
	cfg.WizardMaxAttempts = 3
	cfg.WizardFieldTimeout = 5 * time.Minute
	cfg.WizardConfirmTimeout = 2 * time.Minute

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Sessions: session.NewStore(time.Hour, logger),
		Timers:   timer.NewManager(logger),
	}
	t.Cleanup(a.Timers.StopAll)

	require.NoError(t, provideWizard(a, cfg, nil, logger))
	assert.Nil(t, a.Wizard)

	client, err := provideBackend(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, provideWizard(a, cfg, client, logger))
	assert.NotNil(t, a.Wizard)
}

func TestToolSpecs(t *testing.T) {
	t.Parallel()

	client, err := provideBackend(backendConfig(), log.NewNop())
	require.NoError(t, err)
	registry, err := provideTools(client, log.NewNop())
	require.NoError(t, err)

	specs := toolSpecs(registry)
	require.Len(t, specs, 3)
	for _, spec := range specs {
		assert.NotEmpty(t, spec.Name)
		assert.NotEmpty(t, spec.Description)
		assert.NotNil(t, spec.InputSchema)
	}
}

func TestCloseIsSafeOnPartialApp(t *testing.T) {
	t.Parallel()

	a := &App{Logger: log.NewNop()}
	assert.NoError(t, a.Close())
}
