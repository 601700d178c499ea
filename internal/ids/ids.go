package ids

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-character random hex id, used for connection ids
// and notification event ids.
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
