package app

import "os"

// loadPolicyScript reads an admission policy script off disk, letting a
// deployment override policy.DefaultScript without a rebuild.
func loadPolicyScript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
