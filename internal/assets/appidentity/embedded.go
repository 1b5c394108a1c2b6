package appidentityassets

import _ "embed"

// YAML mirrors `.fulmen/app.yaml` so a standalone ratewatch binary still knows its
// binary name, env prefix and telemetry namespace.
//
//go:embed app.yaml
var YAML []byte
