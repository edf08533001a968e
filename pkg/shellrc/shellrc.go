// Package shellrc installs the start-ssh / stop-ssh aliases into the user's
// shell rc file as a managed block.
package shellrc

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"totp-ssh/pkg/block"
)

// Editor edits one shell rc file.
type Editor struct {
	RCFile string
	// Binary is the totp-ssh executable the aliases invoke.
	Binary string
}

func (e Editor) file() block.File {
	return block.File{Path: e.RCFile, Markers: block.Aliases, Perm: 0o644}
}

// RenderBlock renders the alias definitions.
func (e Editor) RenderBlock() string {
	bin := shellQuote(e.Binary)
	lines := []string{
		"# auto-generated by totp-ssh",
		`# to remove, run "uninstall-totp-app"`,
		fmt.Sprintf("alias start-ssh=%s", shellQuote(bin+" start")),
		fmt.Sprintf("alias stop-ssh=%s", shellQuote(bin+" stop")),
		fmt.Sprintf("alias uninstall-totp-app=%s", shellQuote(bin+" cleanup")),
	}
	return strings.Join(lines, "\n")
}

// Insert appends the aliases block. It refuses with *block.DuplicateBlockError
// when the block is already present. A missing rc file is created.
func (e Editor) Insert() error {
	f := e.file()
	text, _, err := f.Read()
	if err != nil {
		return err
	}
	updated, err := block.Aliases.Append(text, e.RenderBlock())
	if err != nil {
		if de, ok := err.(*block.DuplicateBlockError); ok {
			de.Path = e.RCFile
		}
		return err
	}
	if err := f.Write(updated); err != nil {
		return err
	}
	log.Infof("Added aliases to %s; open a new shell or run: source %s", e.RCFile, e.RCFile)
	return nil
}

// Remove strips the aliases block. It is a no-op when nothing is installed.
func (e Editor) Remove() error {
	removed, err := e.file().Remove()
	if err != nil {
		return err
	}
	if removed {
		log.Infof("Removed aliases from %s", e.RCFile)
	}
	return nil
}

// Present reports whether the aliases block is installed.
func (e Editor) Present() (bool, error) {
	return e.file().Present()
}

// shellQuote wraps s in single quotes when it contains shell-special
// characters.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, isShellSpecial) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSpecial(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '"', '\'', '\\', '$', '`', '&', '|', ';', '<', '>', '(', ')', '{', '}', '*', '?', '!', '~', '#':
		return true
	default:
		return false
	}
}
