// Package block finds, appends and strips tool-managed regions in user-owned
// text files. A region starts with a literal start marker line, ends with a
// literal end marker line, and holds at most MaxLines lines in between.
package block

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxLines bounds how many lines a block may hold between its markers. A file
// whose start marker is never closed within that window has no block.
const MaxLines = 10

// Markers is a start/end marker pair.
type Markers struct {
	Start string
	End   string

	re *regexp.Regexp
}

// Marker pairs used by totp-ssh.
var (
	SSHConfig = New("### START OF TOTP SSH CONFIG ###", "### END OF TOTP SSH CONFIG ###")
	Aliases   = New("### START OF TOTP ALIASES ###", "### END OF TOTP ALIASES ###")
)

// New compiles the matcher for a marker pair.
//
// The body repetition is lazy so a match ends at the first end marker, and
// any blank lines right after the end marker belong to the block.
func New(start, end string) Markers {
	expr := fmt.Sprintf(`(?m)^%s\n(?:.*\n){0,%d}?%s$\n*`,
		regexp.QuoteMeta(start), MaxLines, regexp.QuoteMeta(end))
	return Markers{Start: start, End: end, re: regexp.MustCompile(expr)}
}

// Present reports whether text contains a well-formed block.
func (m Markers) Present(text string) bool {
	return m.re.MatchString(text)
}

// Find returns the byte range of the first block in text.
func (m Markers) Find(text string) (start, end int, ok bool) {
	loc := m.re.FindStringIndex(text)
	if loc == nil {
		return 0, 0, false
	}
	return loc[0], loc[1], true
}

// Strip returns text with the first block removed. The rest of text is kept
// byte for byte. ok is false when no block was found.
func (m Markers) Strip(text string) (string, bool) {
	start, end, ok := m.Find(text)
	if !ok {
		return text, false
	}
	return text[:start] + text[end:], true
}

// Render wraps body in the markers. The result ends with the end marker
// followed by one blank line.
func (m Markers) Render(body string) string {
	var b strings.Builder
	b.WriteString(m.Start)
	b.WriteString("\n")
	body = strings.TrimRight(body, "\n")
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	b.WriteString(m.End)
	b.WriteString("\n\n")
	return b.String()
}

// Append adds a rendered block to the end of text. It refuses when a block is
// already present. A line break is inserted first when text does not end with
// one, so the start marker lands on its own line.
func (m Markers) Append(text, body string) (string, error) {
	if m.Present(text) {
		return text, &DuplicateBlockError{Start: m.Start, End: m.End}
	}
	rendered := m.Render(body)
	if n := strings.Count(rendered, "\n") - 3; n > MaxLines {
		return text, fmt.Errorf("block body has %d lines; at most %d are allowed", n, MaxLines)
	}
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text + rendered, nil
}

// DuplicateBlockError is returned when a block is already present.
type DuplicateBlockError struct {
	Path  string
	Start string
	End   string
}

func (e *DuplicateBlockError) Error() string {
	where := "file"
	if e.Path != "" {
		where = e.Path
	}
	return fmt.Sprintf("managed section already present in %s; if this is an error, remove the text including and between %q ... %q", where, e.Start, e.End)
}
