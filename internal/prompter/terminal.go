package prompter

import (
	"os"

	"github.com/abiosoft/ishell"
	"golang.org/x/term"
)

// Terminal prompts interactively via ishell's MultiChoice, the same
// mechanism robo.go's shell uses to ask "Which one to connect?".
type Terminal struct {
	shell *ishell.Shell
}

// NewTerminal returns a Terminal bound to a fresh ishell instance used
// purely for its choice-prompt rendering, not as a full REPL.
func NewTerminal() *Terminal {
	return &Terminal{shell: ishell.New()}
}

func (t *Terminal) Prompt(message string, choices []string) (int, error) {
	return t.shell.MultiChoice(choices, message), nil
}

// New picks Terminal when stdout is an interactive TTY, Headless
// (answering with defaultIndex) otherwise — so scripted/piped runs
// never block waiting on a prompt that can't be seen.
func New(defaultIndex int) Prompter {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return NewTerminal()
	}
	return Headless{DefaultIndex: defaultIndex}
}
