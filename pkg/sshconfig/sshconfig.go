// Package sshconfig installs and removes the totp-ssh section of the OpenSSH
// client config (~/.ssh/config) and its companion include file.
//
// The main config gets a marker-delimited block holding an Include directive;
// the host definition itself lives in <dir of config>/config.d/<include name>.
package sshconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kevinburke/ssh_config"
	log "github.com/sirupsen/logrus"

	"totp-ssh/pkg/block"
)

// Editor edits one ssh client config file.
type Editor struct {
	// ConfigPath is the main ssh config (e.g. ~/.ssh/config, already expanded).
	ConfigPath string
	// Alias is the Host alias defined in the include file.
	Alias string
	// HostName is the real login host.
	HostName string
	// ControlDir holds control-master sockets.
	ControlDir string
	// IncludeName is the include file name inside config.d.
	IncludeName string
}

// DuplicateHostError is returned when the main config already defines Alias.
type DuplicateHostError struct {
	Path  string
	Alias string
}

func (e *DuplicateHostError) Error() string {
	return fmt.Sprintf("there already exists an entry in your ssh config file (%s) with the Host %s", e.Path, e.Alias)
}

// Status describes what is currently installed.
type Status struct {
	BlockPresent   bool
	IncludePresent bool
	// User and HostName come from the include file when it parses.
	User     string
	HostName string
}

// IncludeDir is the config.d directory next to the main config.
func (e Editor) IncludeDir() string {
	return filepath.Join(filepath.Dir(e.ConfigPath), "config.d")
}

// IncludePath is the include file written by Insert.
func (e Editor) IncludePath() string {
	return filepath.Join(e.IncludeDir(), e.IncludeName)
}

func (e Editor) file() block.File {
	return block.File{Path: e.ConfigPath, Markers: block.SSHConfig, Perm: 0o600}
}

// HostDefined reports whether text has a Host line naming the alias, in any
// position among the line's patterns.
func (e Editor) HostDefined(text string) bool {
	re := regexp.MustCompile(`(?mi)^[ \t]*Host(?:[ \t]*=[ \t]*|[ \t]+)(?:[^\n#]*[ \t])?` +
		regexp.QuoteMeta(e.Alias) + `(?:[ \t]|$)`)
	return re.MatchString(text)
}

// RenderInclude renders the include file for sshUser.
func (e Editor) RenderInclude(sshUser string) string {
	return fmt.Sprintf(`# SSH config file auto-generated by totp-ssh
# this should be included by the main ssh config file
# to uninstall, run "uninstall-totp-app"

Host %s
    User %s
    HostName %s
    IdentitiesOnly yes
    ServerAliveInterval 60
    TCPKeepAlive no
    ControlMaster auto
    ControlPath %s
    ControlPersist yes

`, e.Alias, sshUser, e.HostName, quoteIfSpaced(filepath.Join(e.ControlDir, "%r@%h:%p")))
}

// RenderBlock renders the body of the main config block.
func (e Editor) RenderBlock() string {
	return fmt.Sprintf(`# auto-generated by totp-ssh
# includes host definition used for totp app
# to remove, run "uninstall-totp-app"
Host *
    Include %s`, quoteIfSpaced(e.IncludePath()))
}

// Insert installs the include file and the main config block.
//
// It refuses with *DuplicateHostError when the alias is already defined and
// with *block.DuplicateBlockError when the block is already present. Then it
// creates the include directory, writes the include file and rewrites the
// main config, in that order. A failure leaves earlier steps in place.
func (e Editor) Insert(sshUser string) error {
	if strings.TrimSpace(sshUser) == "" {
		return errors.New("ssh config: ssh username is required (store your passwords first)")
	}
	f := e.file()
	text, _, err := f.Read()
	if err != nil {
		return err
	}

	if e.HostDefined(text) {
		return &DuplicateHostError{Path: e.ConfigPath, Alias: e.Alias}
	}
	if block.SSHConfig.Present(text) {
		return &block.DuplicateBlockError{Path: e.ConfigPath, Start: block.SSHConfig.Start, End: block.SSHConfig.End}
	}

	include := e.RenderInclude(sshUser)
	if _, err := ssh_config.Decode(strings.NewReader(include)); err != nil {
		return fmt.Errorf("ssh config: rendered include file does not parse: %w", err)
	}

	dir := e.IncludeDir()
	log.Infof("Making ssh include config folder (if not exists): %s", dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &block.ConfigIOError{Op: "create directory", Path: dir, Err: err}
	}

	incPath := e.IncludePath()
	log.Infof("Writing TOTP config to file: %s", incPath)
	if err := os.WriteFile(incPath, []byte(include), 0o600); err != nil {
		return &block.ConfigIOError{Op: "write", Path: incPath, Err: err}
	}

	updated, err := block.SSHConfig.Append(text, e.RenderBlock())
	if err != nil {
		return err
	}
	if err := f.Write(updated); err != nil {
		return err
	}
	log.Infof("Saved ssh config file (%s) with TOTP section added", e.ConfigPath)
	return nil
}

// Remove deletes the include file, removes config.d when it is left empty,
// and strips the block from the main config. Every step tolerates the thing
// it removes being absent.
func (e Editor) Remove() error {
	incPath := e.IncludePath()
	log.Infof("Removing TOTP config: %s", incPath)
	if err := os.Remove(incPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &block.ConfigIOError{Op: "remove", Path: incPath, Err: err}
	}

	dir := e.IncludeDir()
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return &block.ConfigIOError{Op: "read directory", Path: dir, Err: err}
	case len(entries) == 0:
		log.Infof("Removing empty ssh config directory: %s", dir)
		if err := os.Remove(dir); err != nil {
			return &block.ConfigIOError{Op: "remove directory", Path: dir, Err: err}
		}
	default:
		log.Warnf("ssh config directory is not empty, leaving it: %s", dir)
	}

	removed, err := e.file().Remove()
	if err != nil {
		return err
	}
	if removed {
		log.Infof("Removed totp section and re-wrote ssh config: %s", e.ConfigPath)
	}
	return nil
}

// Status reports whether the block and include file exist, and what the
// include file configures for the alias.
func (e Editor) Status() (Status, error) {
	var st Status
	present, err := e.file().Present()
	if err != nil {
		return st, err
	}
	st.BlockPresent = present

	f, err := os.Open(e.IncludePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, &block.ConfigIOError{Op: "open", Path: e.IncludePath(), Err: err}
	}
	defer f.Close()
	st.IncludePresent = true

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		log.WithError(err).Warnf("unable to parse %s", e.IncludePath())
		return st, nil
	}
	st.User, _ = cfg.Get(e.Alias, "User")
	st.HostName, _ = cfg.Get(e.Alias, "HostName")
	return st, nil
}

func quoteIfSpaced(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}
