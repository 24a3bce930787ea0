package monitor

import (
	"os"
	"regexp"
	"strings"
)

// windowsEnvRef matches %NAME% style environment references.
var windowsEnvRef = regexp.MustCompile(`%([^%]+)%`)

// ParseWatchSpec splits a watch specification into directory roots.
// Roots are separated by ';' or '|'; environment variables in both
// $NAME and %NAME% form are expanded and surrounding whitespace is
// trimmed. Empty segments are dropped.
func ParseWatchSpec(spec string) []string {
	expanded := os.ExpandEnv(spec)
	expanded = windowsEnvRef.ReplaceAllStringFunc(expanded, func(ref string) string {
		name := strings.Trim(ref, "%")
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return ref
	})

	parts := strings.FieldsFunc(expanded, func(r rune) bool {
		return r == ';' || r == '|'
	})
	var roots []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			roots = append(roots, p)
		}
	}
	return roots
}
