// Package identity derives the key under which a client's session risk is tracked.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/developingchet/streamguard/internal/decision"
)

// Unknown stands in for any connection attribute that is missing or unusable.
const Unknown = "unknown"

// Identity is a derived client key. Collisions (NAT, shared proxies) and churn
// (header changes) are expected.
type Identity string

func (i Identity) String() string { return string(i) }

// ConnInfo is the connection metadata an identity is derived from.
type ConnInfo struct {
	RemoteAddr string
	UserAgent  string
}

// FromRequest extracts ConnInfo from r. RemoteAddr is taken as-is; proxy
// headers only matter if middleware upstream of this call rewrote it.
func FromRequest(r *http.Request) ConnInfo {
	return ConnInfo{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.Header.Get("User-Agent"),
	}
}

// Resolver maps connection metadata to an Identity.
type Resolver struct {
	// IncludeUserAgent folds the User-Agent into the key. When false the
	// identity is per address and a changing User-Agent is visible to the
	// churn heuristic instead of producing a fresh identity.
	IncludeUserAgent bool
}

// Resolve never fails. The result is the hex SHA-256 of "addr-ua".
func (r Resolver) Resolve(c ConnInfo) Identity {
	ua := Unknown
	if r.IncludeUserAgent {
		if v := strings.TrimSpace(c.UserAgent); v != "" {
			ua = v
		}
	}
	sum := sha256.Sum256([]byte(Address(c) + "-" + ua))
	return Identity(hex.EncodeToString(sum[:]))
}

// Address returns the canonical source address or Unknown.
func Address(c ConnInfo) string {
	if a := decision.HostOnly(c.RemoteAddr); a != "" {
		return a
	}
	return Unknown
}
