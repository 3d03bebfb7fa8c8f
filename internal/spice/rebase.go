package spice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stacklane/stk/internal/git"
	"github.com/stacklane/stk/internal/must"
	"github.com/stacklane/stk/internal/spice/state"
)

// ErrRebaseInterrupted signals that an operation paused mid-rebase and a
// continuation (if any) was recorded; the caller should exit and let the
// user resume with 'stk rebase continue'.
var ErrRebaseInterrupted = errors.New("rebase interrupted")

// RebaseRescueRequest describes an operation that was interrupted by a
// rebase conflict (or a deliberate pause) and may need to resume later.
type RebaseRescueRequest struct {
	// Err is the error the interrupted operation returned.
	Err error

	// Command re-runs the interrupted operation once the rebase is
	// resolved. Leave empty to skip recording a continuation.
	Command []string

	// Branch is the branch the continuation runs on. Defaults to the
	// branch the rebase was interrupted on.
	Branch string

	// Message annotates the recorded continuation for debugging.
	Message string
}

// RebaseRescue inspects err for a rebase interruption and, if found,
// warns the user with recovery instructions and records a continuation
// command for 'stk rebase continue' to pick up later.
//
// Returns [ErrRebaseInterrupted] if err was a rebase interruption,
// whether or not a continuation was recorded. Any other error is
// returned unchanged so the caller can handle it directly.
func (s *Service) RebaseRescue(ctx context.Context, req RebaseRescueRequest) error {
	if req.Err == nil {
		return nil
	}

	var interrupt *git.RebaseInterruptError
	if !errors.As(req.Err, &interrupt) {
		return req.Err
	}

	s.log.Warn("rebase interrupted", "error", interrupt)
	s.log.Error(rescueAdvice(interrupt.Kind))

	if len(req.Command) == 0 {
		return ErrRebaseInterrupted
	}

	branch := req.Branch
	if branch == "" {
		branch = interrupt.State.Branch
	}

	msg := req.Message
	if msg == "" {
		msg = fmt.Sprintf("interrupted: branch %s", branch)
	}

	if err := s.store.SetContinuation(ctx, state.SetContinuationRequest{
		Command: req.Command,
		Branch:  branch,
		Message: msg,
	}); err != nil {
		return fmt.Errorf("record continuation: %w", err)
	}

	return ErrRebaseInterrupted
}

// rescueAdvice renders the instructions shown to the user for resuming
// or abandoning an interrupted rebase, tailored to why it stopped.
func rescueAdvice(kind git.RebaseInterruptKind) string {
	var msg strings.Builder
	switch kind {
	case git.RebaseInterruptConflict:
		msg.WriteString("There was a conflict while rebasing.\n")
		msg.WriteString("Resolve the conflict and run:\n")
	case git.RebaseInterruptDeliberate:
		msg.WriteString("The rebase operation was interrupted with an 'edit' or 'break' command.\n")
		msg.WriteString("When you're ready to continue, run:\n")
	default:
		must.Failf("unexpected rebase interrupt kind: %v", kind)
	}
	msg.WriteString("  stk rebase continue\n")
	msg.WriteString("Or abort the operation with:\n")
	msg.WriteString("  stk rebase abort\n")
	return msg.String()
}
