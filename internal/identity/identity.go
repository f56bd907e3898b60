// Package identity derives stable database keys from external auth provider
// user ids. The derivation is pure, so any service instance maps the same
// external id to the same key without coordination or a lookup table.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// namespacePrefix salts the hash so keys derived here never collide with
// keys derived from other id spaces.
const namespacePrefix = "clerk-user-id"

// UserKey maps an external user id to a deterministic UUID. The output is
// shaped like a version 4 UUID so it passes validation everywhere a random
// UUID would, but equal inputs always produce equal keys.
func UserKey(externalID string) uuid.UUID {
	sum := md5.Sum([]byte(namespacePrefix + "-" + externalID))
	h := hex.EncodeToString(sum[:])

	// Force the version nibble to 4 and the variant nibble into [8, b].
	variant, _ := strconv.ParseInt(string(h[16]), 16, 0)
	variantChar := strconv.FormatInt(variant&0x3|0x8, 16)

	s := fmt.Sprintf("%s-%s-4%s-%s%s-%s",
		h[0:8], h[8:12], h[13:16], variantChar, h[17:20], h[20:32])

	key, err := uuid.Parse(s)
	if err != nil {
		// Unreachable: the string above is hex in canonical UUID layout.
		panic(fmt.Sprintf("identity: derived malformed uuid %q: %v", s, err))
	}
	return key
}
