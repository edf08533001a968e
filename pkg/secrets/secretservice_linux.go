//go:build linux
// +build linux

package secrets

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// SecretService stores secrets through the freedesktop Secret Service using
// the `secret-tool` CLI from libsecret. Items carry "service" and "username"
// attributes, the same pair the Python keyring library uses.
type SecretService struct{}

func platformBackend() Backend { return SecretService{} }

// Kind implements the backend kind probe.
func (SecretService) Kind() BackendKind { return BackendSecretService }

func (SecretService) Get(service, account string) (string, error) {
	path, err := secretToolPath()
	if err != nil {
		return "", err
	}
	out, stderr, err := runTool(path, "", "lookup", "service", service, "username", account)
	if err != nil {
		// lookup exits 1 with no output when nothing matches.
		var ee *exec.ExitError
		if stderr == "" && errors.As(err, &ee) {
			return "", ErrNotFound
		}
		if looksLikeSecretServiceUnavailable(stderr) {
			return "", fmt.Errorf("secret service unavailable: %s (ensure a keyring/secret service is running)", stderr)
		}
		return "", toolError("secret-tool lookup", stderr, err)
	}
	out = strings.TrimRight(out, "\r\n")
	if out == "" {
		return "", ErrNotFound
	}
	return out, nil
}

func (SecretService) Set(service, account, value string) error {
	path, err := secretToolPath()
	if err != nil {
		return err
	}
	args := []string{
		"store",
		"--label=" + fmt.Sprintf("%s (%s)", service, account),
		"service", service,
		"username", account,
	}
	// The secret goes over stdin so it never shows up in argv.
	if _, stderr, err := runTool(path, value, args...); err != nil {
		if looksLikeSecretServiceUnavailable(stderr) {
			return fmt.Errorf("secret service unavailable: %s (ensure a keyring/secret service is running)", stderr)
		}
		return toolError("secret-tool store", stderr, err)
	}
	return nil
}

func (s SecretService) Delete(service, account string) error {
	// clear succeeds even when nothing matched, so look the item up first.
	if _, err := s.Get(service, account); err != nil {
		return err
	}
	path, err := secretToolPath()
	if err != nil {
		return err
	}
	if _, stderr, err := runTool(path, "", "clear", "service", service, "username", account); err != nil {
		return toolError("secret-tool clear", stderr, err)
	}
	return nil
}

func secretToolPath() (string, error) {
	p, err := findTool("/usr/bin/secret-tool", "/bin/secret-tool", "secret-tool")
	if err != nil {
		return "", fmt.Errorf("secret-tool not found: install libsecret tools (e.g. Debian/Ubuntu: apt-get install libsecret-tools)")
	}
	return p, nil
}

func looksLikeSecretServiceUnavailable(msg string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	return strings.Contains(m, "org.freedesktop.secrets") ||
		strings.Contains(m, "no such interface") ||
		strings.Contains(m, "serviceunknown") ||
		strings.Contains(m, "could not connect") ||
		strings.Contains(m, "failed to connect") ||
		strings.Contains(m, "dbus") ||
		strings.Contains(m, "not provided")
}
