package auth

import (
	"github.com/mkarsa/wa-dispatch-gateway/pkg/env"
)

// AdminSecretKey guards the admin endpoints (/admin/*)
var AdminSecretKey string

// BridgeSecretKey is the pre-shared key event-bridge subscribers must present
var BridgeSecretKey string

func init() {
	AdminSecretKey, _ = env.GetEnvString("ADMIN_SECRET_KEY")
	BridgeSecretKey, _ = env.GetEnvString("EVENT_BRIDGE_SECRET")
}
