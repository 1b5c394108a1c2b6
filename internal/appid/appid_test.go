package appid

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/stretchr/testify/require"

	appidentityassets "github.com/sdwanlab/ratewatch/internal/assets/appidentity"
)

func resetIdentity(t *testing.T) {
	t.Helper()

	// gofulmen caches the identity and the embedded registration process-wide.
	appidentity.Reset()
	require.NoError(t, appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML))
	t.Cleanup(func() { appidentity.Reset() })
}

func TestGetFallsBackToEmbeddedIdentity(t *testing.T) {
	resetIdentity(t)
	t.Setenv(appidentity.EnvIdentityPath, "")

	oldWD, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(oldWD) })
	require.NoError(t, os.Chdir(t.TempDir()))

	identity, err := Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ratewatch", identity.BinaryName)
	require.Equal(t, "ratewatch", identity.ConfigName)
	require.NotEmpty(t, identity.EnvPrefix)
}

func TestGetHonoursExplicitIdentityPath(t *testing.T) {
	resetIdentity(t)
	t.Setenv(appidentity.EnvIdentityPath, filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Get(context.Background())
	require.Error(t, err)

	var notFound *appidentity.NotFoundError
	require.True(t, errors.As(err, &notFound), "got %T: %v", err, err)
}
