package appid

import (
	"context"

	"github.com/fulmenhq/gofulmen/appidentity"

	appidentityassets "github.com/sdwanlab/ratewatch/internal/assets/appidentity"
)

func init() {
	// An explicit `.fulmen/app.yaml` (or FULMEN_APP_IDENTITY_PATH) still wins;
	// the embedded copy only covers binaries shipped without the repo checkout.
	_ = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)
}

// Get resolves the ratewatch app identity.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}
