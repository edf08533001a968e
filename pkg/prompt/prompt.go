// Package prompt asks the user yes/no questions and reads secrets.
//
// On a terminal the prompts are small Bubble Tea programs; secrets are typed
// with echo masked. Elsewhere (pipes, tests) plain lines are read.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// ErrAborted is returned when the user cancels a prompt (ctrl+c, esc or end
// of input).
var ErrAborted = errors.New("prompt aborted")

// Prompter asks questions.
type Prompter interface {
	Confirm(question string) (bool, error)
	Ask(label string) (string, error)
	Secret(label string) (string, error)
}

var (
	questionStyle = lipgloss.NewStyle().Bold(true)
	hintStyle     = lipgloss.NewStyle().Faint(true)
	yesStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	noStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Terminal prompts on In/Out, using Bubble Tea when In is a terminal.
type Terminal struct {
	In  *os.File
	Out io.Writer

	// BeforePrompt runs before each interactive prompt, e.g. to discard
	// pending terminal input.
	BeforePrompt func()

	lines *Lines
}

// NewTerminal prompts on stdin/stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

func (t *Terminal) interactive() bool {
	return t.In != nil && term.IsTerminal(int(t.In.Fd()))
}

func (t *Terminal) fallback() *Lines {
	if t.lines == nil {
		t.lines = NewLines(t.In, t.Out)
	}
	return t.lines
}

func (t *Terminal) Confirm(question string) (bool, error) {
	if !t.interactive() {
		return t.fallback().Confirm(question)
	}
	if t.BeforePrompt != nil {
		t.BeforePrompt()
	}
	final, err := tea.NewProgram(newConfirmModel(question), tea.WithInput(t.In), tea.WithOutput(t.Out)).Run()
	if err != nil {
		return false, fmt.Errorf("prompt: %w", err)
	}
	m := final.(confirmModel)
	if m.aborted {
		return false, ErrAborted
	}
	return m.answer, nil
}

func (t *Terminal) Ask(label string) (string, error) {
	if !t.interactive() {
		return t.fallback().Ask(label)
	}
	return t.input(label, false)
}

func (t *Terminal) Secret(label string) (string, error) {
	if !t.interactive() {
		return t.fallback().Secret(label)
	}
	return t.input(label, true)
}

func (t *Terminal) input(label string, masked bool) (string, error) {
	if t.BeforePrompt != nil {
		t.BeforePrompt()
	}
	final, err := tea.NewProgram(newInputModel(label, masked), tea.WithInput(t.In), tea.WithOutput(t.Out)).Run()
	if err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}
	m := final.(inputModel)
	if m.aborted {
		return "", ErrAborted
	}
	return m.input.Value(), nil
}

type confirmModel struct {
	question string
	answer   bool
	done     bool
	aborted  bool
}

func newConfirmModel(question string) confirmModel {
	return confirmModel{question: question}
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	k, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch k.String() {
	case "y", "Y":
		m.answer, m.done = true, true
		return m, tea.Quit
	case "n", "N":
		m.answer, m.done = false, true
		return m, tea.Quit
	case "ctrl+c", "esc":
		m.aborted, m.done = true, true
		return m, tea.Quit
	}
	return m, nil
}

func (m confirmModel) View() string {
	q := questionStyle.Render(m.question)
	switch {
	case m.aborted:
		return q + " " + noStyle.Render("aborted") + "\n"
	case m.done && m.answer:
		return q + " " + yesStyle.Render("yes") + "\n"
	case m.done:
		return q + " " + noStyle.Render("no") + "\n"
	}
	return q + " " + hintStyle.Render("[y/n]") + " "
}

type inputModel struct {
	label   string
	masked  bool
	input   textinput.Model
	done    bool
	aborted bool
}

func newInputModel(label string, masked bool) inputModel {
	ti := textinput.New()
	ti.Prompt = ""
	ti.CharLimit = 256
	if masked {
		ti.EchoMode = textinput.EchoPassword
		ti.EchoCharacter = '•'
	}
	ti.Focus()
	return inputModel{label: label, masked: masked, input: ti}
}

func (m inputModel) Init() tea.Cmd { return textinput.Blink }

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit
		case tea.KeyCtrlC, tea.KeyEsc:
			m.aborted, m.done = true, true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	label := questionStyle.Render(m.label)
	if m.done {
		if m.masked || m.aborted {
			// A finished secret is never re-rendered, not even masked.
			return label + "\n"
		}
		return label + " " + m.input.Value() + "\n"
	}
	return label + " " + m.input.View()
}

// Lines reads answers one line at a time. It never masks input and is
// meant for non-interactive use.
type Lines struct {
	r *bufio.Reader
	w io.Writer
}

func NewLines(r io.Reader, w io.Writer) *Lines {
	return &Lines{r: bufio.NewReader(r), w: w}
}

// Confirm asks until it reads y/yes or n/no.
func (l *Lines) Confirm(question string) (bool, error) {
	for {
		fmt.Fprintf(l.w, "%s [y/n] ", question)
		line, err := l.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(l.w, "Please answer y or n.")
	}
}

func (l *Lines) Ask(label string) (string, error) {
	fmt.Fprintf(l.w, "%s ", label)
	line, err := l.readLine()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Secret reads a line verbatim apart from the line ending.
func (l *Lines) Secret(label string) (string, error) {
	fmt.Fprintf(l.w, "%s ", label)
	line, err := l.readLine()
	if err != nil {
		return "", err
	}
	fmt.Fprintln(l.w)
	return line, nil
}

func (l *Lines) readLine() (string, error) {
	line, err := l.r.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		if errors.Is(err, io.EOF) {
			return "", ErrAborted
		}
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
