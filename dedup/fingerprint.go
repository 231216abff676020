// Package dedup decides where payloads land on disk and makes sure byte
// identical content is written at most once.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/dhcgn/mailbox-harvester/model"
)

// Fingerprint returns the hex encoded SHA-256 digest of data.
func Fingerprint(data []byte) model.Fingerprint {
	sum := sha256.Sum256(data)
	return model.Fingerprint(hex.EncodeToString(sum[:]))
}
