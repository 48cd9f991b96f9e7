package resolver

import (
	"net/url"
	"strings"

	fedingest "github.com/umipu/fedingest"
	"github.com/umipu/fedingest/store"
)

func punyHost(uri string) string {
	return fedingest.PunyHost(uri)
}

// mainKey picks the actor's primary key from its published set: the first
// key in set order whose fragment contains "main", or, for fragmentless
// ids, whose last path segment contains "main" or is exactly "publickey".
// Falls back to the first key. The first-match-in-set-order rule is a trust
// decision, so keep it as is.
func mainKey(keys []store.PublicKey) *store.PublicKey {
	if len(keys) == 0 {
		return nil
	}
	for i := range keys {
		u, err := url.Parse(keys[i].KeyID)
		if err != nil {
			continue
		}
		if u.Fragment != "" {
			if strings.Contains(strings.ToLower(u.Fragment), "main") {
				return &keys[i]
			}
			continue
		}
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		last := strings.ToLower(segs[len(segs)-1])
		if strings.Contains(last, "main") || last == "publickey" {
			return &keys[i]
		}
	}
	return &keys[0]
}

// findKey returns the key with an exactly matching id, or nil.
func findKey(keys []store.PublicKey, keyID string) *store.PublicKey {
	for i := range keys {
		if keys[i].KeyID == keyID {
			return &keys[i]
		}
	}
	return nil
}
