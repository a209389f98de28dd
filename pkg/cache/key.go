package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Description renders the canonical description of a request: the site
// identity, the effective user and the sorted normalized parameters.
//
// Example:
//
//	APISite(enwiki)User(User:Bot)action=query&format=json&meta=userinfo
func Description(site, user, params string) string {
	return site + user + params
}

// Key hashes a description into its cache key, a 64 character hex string.
func Key(description string) string {
	sum := sha256.Sum256([]byte(description))
	return hex.EncodeToString(sum[:])
}
