// Package prompt defines the interactivity boundary between the
// stack engine and the terminal.
//
// The engine never talks to a terminal directly. Anywhere it needs to
// ask a yes/no question (for example, before submitting an empty
// branch), it does so through a Prompter, so that engine logic stays
// testable without a real TTY.
package prompt

import (
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/mattn/go-isatty"
)

// Prompter asks the user questions and reports their answers.
type Prompter interface {
	// Confirm asks msg and returns the user's answer.
	//
	// Implementations that cannot prompt (non-interactive mode)
	// should return ErrNonInteractive.
	Confirm(msg string) (bool, error)

	// Input asks msg and returns a single line of free text.
	// dflt is used as the answer if the user submits an empty response.
	//
	// Implementations that cannot prompt (non-interactive mode)
	// should return ErrNonInteractive.
	Input(msg, dflt string) (string, error)

	// Editor asks the user to edit dflt in a multi-line text editor
	// (e.g. $EDITOR) and returns the edited text.
	//
	// Implementations that cannot prompt (non-interactive mode)
	// should return ErrNonInteractive.
	Editor(msg, dflt string) (string, error)
}

// ErrNonInteractive is returned by a Prompter that cannot ask
// questions because there is no terminal attached, or because the
// caller explicitly disabled prompting.
var ErrNonInteractive = fmt.Errorf("prompting is disabled: not running in an interactive terminal")

// Survey is a Prompter backed by github.com/AlecAivazis/survey/v2.
type Survey struct {
	// Default is the answer preselected in Confirm prompts.
	Default bool
}

var _ Prompter = (*Survey)(nil)

// Confirm implements Prompter.
func (s *Survey) Confirm(msg string) (bool, error) {
	var ok bool
	q := &survey.Confirm{
		Message: msg,
		Default: s.Default,
	}
	if err := survey.AskOne(q, &ok); err != nil {
		return false, fmt.Errorf("prompt: %w", err)
	}
	return ok, nil
}

// Input implements Prompter.
func (s *Survey) Input(msg, dflt string) (string, error) {
	var answer string
	q := &survey.Input{
		Message: msg,
		Default: dflt,
	}
	if err := survey.AskOne(q, &answer); err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}
	return answer, nil
}

// Editor implements Prompter.
func (s *Survey) Editor(msg, dflt string) (string, error) {
	var answer string
	q := &survey.Editor{
		Message:       msg,
		Default:       dflt,
		AppendDefault: true,
	}
	if err := survey.AskOne(q, &answer); err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}
	return answer, nil
}

// Noninteractive is a Prompter for use when stdin/stdout is not a
// terminal, or the caller passed --no-prompt. It always reports
// ErrNonInteractive.
type Noninteractive struct{}

var _ Prompter = Noninteractive{}

// Confirm implements Prompter.
func (Noninteractive) Confirm(string) (bool, error) {
	return false, ErrNonInteractive
}

// Input implements Prompter.
func (Noninteractive) Input(string, string) (string, error) {
	return "", ErrNonInteractive
}

// Editor implements Prompter.
func (Noninteractive) Editor(string, string) (string, error) {
	return "", ErrNonInteractive
}

// IsTerminal reports whether both stdin and stdout are connected to a
// terminal, making interactive prompting possible.
func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
}

// Default picks Survey when the process is attached to a terminal,
// and Noninteractive otherwise.
func Default() Prompter {
	if IsTerminal() {
		return &Survey{Default: false}
	}
	return Noninteractive{}
}
