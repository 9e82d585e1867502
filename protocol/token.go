package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// NewToken returns a URL-safe opaque token. Used for rewritten subscription
// ids and relay ids so client-chosen names never reach a relay.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
