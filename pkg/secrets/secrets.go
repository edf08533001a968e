// Package secrets stores the ssh username, ssh password and TOTP seed in the
// platform credential store.
//
// Security model notes:
//   - Secret values are never logged or written to a file.
//   - Each secret is one item keyed by (service, account); the service name is
//     derived from a prefix and the secret kind, the account is the local OS user.
package secrets

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pquerna/otp/totp"
	log "github.com/sirupsen/logrus"
)

// Kind identifies one of the three stored secrets.
type Kind string

const (
	SSHPassword Kind = "ssh-password"
	SSHUsername Kind = "ssh-username"
	TOTPSeed    Kind = "totp-secret-code"
)

// Kinds lists every secret kind in the order they are written and removed.
var Kinds = []Kind{SSHPassword, TOTPSeed, SSHUsername}

const (
	minPasswordLen = 10
	minSeedLen     = 10
	minUsernameLen = 3
)

// Credentials is the full secret triple.
type Credentials struct {
	Username string
	Password string
	TOTPSeed string
}

// Value returns the field for kind k.
func (c Credentials) Value(k Kind) string {
	switch k {
	case SSHPassword:
		return c.Password
	case SSHUsername:
		return c.Username
	case TOTPSeed:
		return c.TOTPSeed
	default:
		return ""
	}
}

// Validate checks lengths, in characters, before anything is written. A username supplied by
// the caller (rather than typed interactively) skips the length check.
func (c Credentials) Validate(usernameSupplied bool) error {
	if !usernameSupplied && utf8.RuneCountInString(c.Username) < minUsernameLen {
		return &ValidationError{Field: SSHUsername, Reason: "username is too short; did you even enter a name?"}
	}
	if strings.TrimSpace(c.Username) == "" {
		return &ValidationError{Field: SSHUsername, Reason: "username is empty"}
	}
	if utf8.RuneCountInString(c.Password) < minPasswordLen {
		return &ValidationError{Field: SSHPassword, Reason: "password is too short to be valid"}
	}
	if utf8.RuneCountInString(c.TOTPSeed) < minSeedLen {
		return &ValidationError{Field: TOTPSeed, Reason: "token is too short to be valid; should be ~16 characters"}
	}
	if _, err := totp.GenerateCode(NormalizeSeed(c.TOTPSeed), time.Now()); err != nil {
		return &ValidationError{Field: TOTPSeed, Reason: "token is not valid base32"}
	}
	return nil
}

// NormalizeSeed strips whitespace and upper-cases a base32 TOTP seed so that
// seeds copied in groups ("abcd efgh ...") decode.
func NormalizeSeed(seed string) string {
	return strings.ToUpper(strings.Join(strings.Fields(seed), ""))
}

// ValidationError reports input rejected before any store write.
type ValidationError struct {
	Field  Kind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StoreError reports a credential store failure for one service.
type StoreError struct {
	Op      string
	Service string
	Account string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s (account %s): %v", e.Op, e.Service, e.Account, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// PartialWriteError is returned by Save when some, but not all, writes failed.
// Nothing is rolled back.
type PartialWriteError struct {
	Written []Kind
	Failed  map[Kind]error
}

func (e *PartialWriteError) Error() string {
	failed := make([]string, 0, len(e.Failed))
	for _, k := range Kinds {
		if err, ok := e.Failed[k]; ok {
			failed = append(failed, fmt.Sprintf("%s: %v", k, err))
		}
	}
	return fmt.Sprintf("saved %d of %d secrets; failed: %s", len(e.Written), len(Kinds), strings.Join(failed, "; "))
}

// MissingSecretsError lists the secrets Load could not find.
type MissingSecretsError struct {
	Missing []Kind
}

func (e *MissingSecretsError) Error() string {
	names := make([]string, len(e.Missing))
	for i, k := range e.Missing {
		names[i] = string(k)
	}
	return fmt.Sprintf("missing from credential store: %s", strings.Join(names, ", "))
}

// DeleteOutcome is the result of deleting one secret.
type DeleteOutcome int

const (
	Deleted DeleteOutcome = iota
	NotFound
	Failed
)

func (o DeleteOutcome) String() string {
	switch o {
	case Deleted:
		return "deleted"
	case NotFound:
		return "not found"
	default:
		return "failed"
	}
}

// DeleteReport aggregates the outcome of RemoveAll.
type DeleteReport struct {
	Outcomes map[Kind]DeleteOutcome
	Errors   map[Kind]error
}

// Failures counts secrets that were not deleted, including ones that were
// already absent.
func (r DeleteReport) Failures() int {
	n := 0
	for _, o := range r.Outcomes {
		if o != Deleted {
			n++
		}
	}
	return n
}

// SomeFailed reports whether at least one deletion did not succeed.
func (r DeleteReport) SomeFailed() bool { return r.Failures() > 0 }

// Store reads and writes the three secrets for one local account.
type Store struct {
	Backend Backend
	Account string
	Prefix  string
}

// New returns a Store. An empty prefix means "totp-ssh.app".
func New(b Backend, account, prefix string) *Store {
	if prefix == "" {
		prefix = "totp-ssh.app"
	}
	return &Store{Backend: b, Account: account, Prefix: prefix}
}

// Service is the credential store service name for kind k.
func (s *Store) Service(k Kind) string {
	return s.Prefix + "." + string(k)
}

// Get returns the stored value for k, or an error wrapping ErrNotFound.
func (s *Store) Get(k Kind) (string, error) {
	v, err := s.Backend.Get(s.Service(k), s.Account)
	if err != nil {
		return "", &StoreError{Op: "read", Service: s.Service(k), Account: s.Account, Err: err}
	}
	return v, nil
}

// Set creates or overwrites the value for k.
func (s *Store) Set(k Kind, value string) error {
	if err := s.Backend.Set(s.Service(k), s.Account, value); err != nil {
		return &StoreError{Op: "write", Service: s.Service(k), Account: s.Account, Err: err}
	}
	return nil
}

// Delete removes the value for k.
func (s *Store) Delete(k Kind) (DeleteOutcome, error) {
	err := s.Backend.Delete(s.Service(k), s.Account)
	switch {
	case err == nil:
		return Deleted, nil
	case errors.Is(err, ErrNotFound):
		return NotFound, nil
	default:
		return Failed, &StoreError{Op: "delete", Service: s.Service(k), Account: s.Account, Err: err}
	}
}

// Save writes all three secrets. It is complete only when every write
// succeeds; a partial failure returns *PartialWriteError and a total failure
// the first *StoreError.
func (s *Store) Save(c Credentials) error {
	var written []Kind
	failed := map[Kind]error{}
	var first error
	for _, k := range Kinds {
		if err := s.Set(k, c.Value(k)); err != nil {
			failed[k] = err
			if first == nil {
				first = err
			}
			continue
		}
		written = append(written, k)
	}
	switch {
	case len(failed) == 0:
		log.Info("Saved passwords to keyring successfully")
		return nil
	case len(written) == 0:
		return fmt.Errorf("unable to save any secret to the credential store: %w", first)
	default:
		return &PartialWriteError{Written: written, Failed: failed}
	}
}

// Load reads all three secrets.
func (s *Store) Load() (Credentials, error) {
	var c Credentials
	var missing []Kind
	for _, k := range Kinds {
		v, err := s.Get(k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				missing = append(missing, k)
				continue
			}
			return Credentials{}, err
		}
		switch k {
		case SSHPassword:
			c.Password = v
		case SSHUsername:
			c.Username = v
		case TOTPSeed:
			c.TOTPSeed = v
		}
	}
	if len(missing) > 0 {
		return Credentials{}, &MissingSecretsError{Missing: missing}
	}
	return c, nil
}

// RemoveAll attempts every deletion, never stopping early. Missing secrets are
// logged as warnings rather than treated as fatal.
func (s *Store) RemoveAll() DeleteReport {
	rep := DeleteReport{
		Outcomes: make(map[Kind]DeleteOutcome, len(Kinds)),
		Errors:   map[Kind]error{},
	}
	for _, k := range Kinds {
		o, err := s.Delete(k)
		rep.Outcomes[k] = o
		fields := log.Fields{"service": s.Service(k), "account": s.Account}
		switch o {
		case NotFound:
			log.WithFields(fields).Warn("secret not found in credential store")
		case Failed:
			rep.Errors[k] = err
			log.WithFields(fields).WithError(err).Warn("unable to remove secret")
		}
	}

	if rep.SomeFailed() {
		log.Warn("At least one error removing passwords from the credential store. This could mean they have already been deleted.")
		names := make([]string, 0, len(Kinds))
		for _, k := range Kinds {
			names = append(names, "\t- "+s.Service(k))
		}
		log.Warnf("Look for the following service names in your keychain app:\n%s", strings.Join(names, "\n"))
	} else {
		log.Info("Keyring passwords removed successfully")
	}
	return rep
}
