// Package address holds the recipient address normalization rules shared
// by every listener. Normalization always happens server-side; clients are
// never trusted to send a canonical address.
package address

import "strings"

// Normalize canonicalizes a recipient address: surrounding whitespace and
// angle brackets are stripped, the result is lowercased and a bare
// local-part gets defaultDomain appended. Normalize is idempotent.
func Normalize(raw, defaultDomain string) string {
	addr := strings.TrimSpace(raw)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return addr
	}
	if !strings.Contains(addr, "@") {
		addr += "@" + strings.ToLower(defaultDomain)
	}
	return addr
}

// Domain returns the part after the last "@", or "" for a bare local-part.
func Domain(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

// Local returns the part before the last "@".
func Local(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return addr
	}
	return addr[:i]
}
