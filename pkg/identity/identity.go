// Package identity derives a stable per-host instance id, used as the bridge
// client id so the MT5 side can tell installations apart.
package identity

import (
	"log"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const appID = "signal-trader"

var protectedID = machineid.ProtectedID

// InstanceID returns override when set, otherwise an app-scoped hash of the
// machine id. Hosts without a readable machine id get a random id per run.
func InstanceID(override string) string {
	if id := strings.TrimSpace(override); id != "" {
		return id
	}
	id, err := protectedID(appID)
	if err != nil {
		log.Printf("identity: machine id unavailable, using random id: %v", err)
		return uuid.NewString()
	}
	// the full hash is 64 hex chars; a prefix is enough to tell hosts apart
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}
