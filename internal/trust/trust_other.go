//go:build !windows

package trust

// verifySigner has no implementation outside Windows; nothing is trusted.
func verifySigner(string) (string, bool) {
	return "", false
}
