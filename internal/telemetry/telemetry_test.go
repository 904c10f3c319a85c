package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/stepflow/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	providers, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, providers)

	// Shutdown on noop providers must not fail.
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestShutdownNilProviders(t *testing.T) {
	var providers *Providers
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestBuildVersionFallback(t *testing.T) {
	assert.NotEmpty(t, buildVersion())
}
