// Package identity supplies the per-process instance id used to address
// replies to one running instance.
package identity

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

var hostname = os.Hostname

// InstanceID returns override when set, else the host name, else a
// random UUID. Container host names are unique per container, which
// makes them usable as instance ids.
func InstanceID(override string) string {
	if id := strings.TrimSpace(override); id != "" {
		return id
	}
	if name, err := hostname(); err == nil && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	return uuid.NewString()
}
