package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwanlab/ratewatch/internal/appid"
)

func TestAppIdentityMatchesBinary(t *testing.T) {
	identity, err := appid.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, identity)

	assert.Equal(t, "ratewatch", identity.BinaryName)
	assert.Equal(t, "sdwanlab", identity.Vendor)
	assert.Equal(t, "ratewatch", identity.ConfigName)

	// The agent list is read from <prefix>AGENTS.
	assert.Equal(t, "RATEWATCH_", identity.EnvPrefix)
	assert.Equal(t, "RATEWATCH_AGENTS", identity.EnvPrefix+"AGENTS")
}
