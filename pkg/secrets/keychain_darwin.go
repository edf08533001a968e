//go:build darwin
// +build darwin

package secrets

import (
	"fmt"
	"strings"
)

// Keychain stores secrets as generic password items in the login keychain by
// shelling out to /usr/bin/security. This keeps us macOS-native and avoids cgo.
type Keychain struct{}

func platformBackend() Backend { return Keychain{} }

// Kind implements the backend kind probe.
func (Keychain) Kind() BackendKind { return BackendKeychain }

func (Keychain) Get(service, account string) (string, error) {
	path, err := securityPath()
	if err != nil {
		return "", err
	}
	// -w prints ONLY the password to stdout.
	out, stderr, err := runTool(path, "", "find-generic-password", "-w", "-s", service, "-a", account)
	if err != nil {
		if keychainNotFound(stderr) {
			return "", ErrNotFound
		}
		return "", toolError("keychain read", stderr, err)
	}
	return strings.TrimRight(out, "\r\n"), nil
}

func (Keychain) Set(service, account, value string) error {
	path, err := securityPath()
	if err != nil {
		return err
	}
	// -U updates the item if it already exists.
	args := []string{
		"add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-l", fmt.Sprintf("%s (%s)", service, account),
		"-w", value,
	}
	if _, stderr, err := runTool(path, "", args...); err != nil {
		return toolError("keychain write", stderr, err)
	}
	return nil
}

func (Keychain) Delete(service, account string) error {
	path, err := securityPath()
	if err != nil {
		return err
	}
	if _, stderr, err := runTool(path, "", "delete-generic-password", "-s", service, "-a", account); err != nil {
		if keychainNotFound(stderr) {
			return ErrNotFound
		}
		return toolError("keychain delete", stderr, err)
	}
	return nil
}

func securityPath() (string, error) {
	return findTool("/usr/bin/security", "security")
}

// security exits 44 with "The specified item could not be found in the keychain."
func keychainNotFound(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "could not be found")
}
