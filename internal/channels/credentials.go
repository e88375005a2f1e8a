package channels

import (
	"fmt"
	"os"
	"strings"
)

// ResolveCredential turns an opaque credentialsRef into a secret.
// Supported forms: "env:VAR_NAME" reads the environment, "file:/path" reads
// a file, and anything else is taken as the literal secret (discouraged but
// accepted for quick setups).
func ResolveCredential(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("credentialsRef is empty")
	}
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		val := os.Getenv(name)
		if val == "" {
			return "", fmt.Errorf("credential env %s is not set", name)
		}
		return val, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read credential file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return ref, nil
	}
}

// CredentialConfigured reports whether a ref can currently be resolved,
// without returning the secret.
func CredentialConfigured(ref string) bool {
	_, err := ResolveCredential(ref)
	return err == nil
}

// CredentialHint is a redacted description of a ref for status surfaces.
func CredentialHint(ref string) string {
	switch {
	case ref == "":
		return "unset"
	case strings.HasPrefix(ref, "env:"):
		return ref
	case strings.HasPrefix(ref, "file:"):
		return ref
	default:
		return "inline (redacted)"
	}
}
