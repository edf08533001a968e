//go:build !darwin && !linux
// +build !darwin,!linux

package secrets

import (
	"errors"
	"fmt"
	"runtime"
)

var errNotSupported = errors.New("not supported")

// Unsupported is the backend for operating systems without a credential store
// integration. Every call fails.
type Unsupported struct{}

func platformBackend() Backend { return Unsupported{} }

func (Unsupported) Get(service, account string) (string, error) { return "", notSupportedErr() }

func (Unsupported) Set(service, account, value string) error { return notSupportedErr() }

func (Unsupported) Delete(service, account string) error { return notSupportedErr() }

func notSupportedErr() error {
	return fmt.Errorf("%w: credential store is only supported on macOS (darwin) and Linux (secret-tool); current=%s", errNotSupported, runtime.GOOS)
}
