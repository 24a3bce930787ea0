// Package trust answers whether a file carries a valid code-signing
// signature from an allow-listed publisher. Only Windows has a real
// implementation; everywhere else nothing is trusted.
package trust

import "strings"

// DefaultPublishers are signer display-name substrings that qualify a
// validly signed file for the policy skip.
var DefaultPublishers = []string{
	"microsoft",
	"google",
	"apple",
	"intel",
	"amazon",
}

// Oracle checks code-signing signatures against a publisher allow-list.
type Oracle struct {
	publishers []string
}

// New builds an Oracle with the given publisher substrings. A nil slice
// uses DefaultPublishers.
func New(publishers []string) *Oracle {
	if publishers == nil {
		publishers = DefaultPublishers
	}
	lowered := make([]string, 0, len(publishers))
	for _, p := range publishers {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			lowered = append(lowered, p)
		}
	}
	return &Oracle{publishers: lowered}
}

// Trusted reports whether the file at path is signed, the signature
// validates, and the signer's display name contains an allow-listed
// substring. Verification failures and missing signatures yield false;
// Trusted never returns an error.
func (o *Oracle) Trusted(path string) bool {
	name, ok := verifySigner(path)
	if !ok {
		return false
	}
	name = strings.ToLower(name)
	for _, p := range o.publishers {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}
