package deployer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("creating lease: %w", Errorf(KindProviderUnavailable, "provider %s is down", "p1"))
	assert.True(t, errors.Is(err, KindProviderUnavailable))
	assert.False(t, errors.Is(err, KindTransient))
	assert.Equal(t, "creating lease: provider p1 is down", err.Error())

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, KindProviderUnavailable, derr.Kind)
}

func TestAllProvidersFailedError(t *testing.T) {
	t.Parallel()

	last := Errorf(KindProviderUnavailable, "connection refused")
	err := error(&AllProvidersFailedError{Providers: []string{"A", "B"}, Last: last})
	assert.True(t, errors.Is(err, KindProtocol))
	assert.True(t, errors.Is(err, KindProviderUnavailable))
	assert.Contains(t, err.Error(), "A, B")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDeploymentUpdateValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DeploymentUpdate{Status: StatusActive, ServiceURL: "https://x"}.Validate())
	assert.Error(t, DeploymentUpdate{Status: StatusActive}.Validate())
	assert.NoError(t, DeploymentUpdate{Status: StatusFailed, ErrorMessage: "boom"}.Validate())
	assert.Error(t, DeploymentUpdate{Status: StatusFailed}.Validate())
	assert.Error(t, DeploymentUpdate{Status: StatusDeploying}.Validate())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusDeploying.Terminal())
}
