package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrNotFound is returned by a Backend when no item exists for (service, account).
var ErrNotFound = errors.New("secret not found")

// Backend is a key-value secret store keyed by service name + account.
type Backend interface {
	// Get returns the stored value or ErrNotFound.
	Get(service, account string) (string, error)
	// Set creates or overwrites the value.
	Set(service, account, value string) error
	// Delete removes the value, returning ErrNotFound when it does not exist.
	Delete(service, account string) error
}

// BackendKind identifies the credential backend (for status output only).
type BackendKind string

const (
	BackendKeychain      BackendKind = "keychain"
	BackendSecretService BackendKind = "secret-service"
	BackendMemory        BackendKind = "memory"
	BackendUnsupported   BackendKind = "unsupported"
)

// Platform returns the credential backend for the current OS.
func Platform() Backend {
	return platformBackend()
}

// Describe returns a short label for a backend, suitable for messages.
func Describe(b Backend) string {
	switch KindOf(b) {
	case BackendKeychain:
		return "macOS Keychain via `security`"
	case BackendSecretService:
		return "Linux Secret Service via `secret-tool`"
	case BackendMemory:
		return "in-memory store"
	default:
		return "no credential store backend for this OS"
	}
}

// KindOf reports which kind of backend b is.
func KindOf(b Backend) BackendKind {
	if k, ok := b.(interface{ Kind() BackendKind }); ok {
		return k.Kind()
	}
	return BackendUnsupported
}

// findTool returns the first usable candidate path. Candidates containing a
// slash are checked with stat, bare names through PATH.
func findTool(candidates ...string) (string, error) {
	for _, c := range candidates {
		if strings.Contains(c, "/") {
			if st, err := os.Stat(c); err == nil && !st.IsDir() {
				return c, nil
			}
			continue
		}
		if p, err := exec.LookPath(c); err == nil && p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("none of %s found", strings.Join(candidates, ", "))
}

// runTool runs a credential helper. stdin may carry secret material; stdout is
// returned to the caller and never logged.
func runTool(path string, stdin string, args ...string) (stdout string, stderr string, err error) {
	cmd := exec.Command(path, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err = cmd.Run()
	return out.String(), strings.TrimSpace(errb.String()), err
}

func toolError(op string, stderr string, err error) error {
	msg := stderr
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Errorf("%s: %s", op, msg)
}
