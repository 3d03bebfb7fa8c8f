package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/stacklane/stk/internal/must"
)

// RebaseRequest configures a single 'git rebase' invocation.
type RebaseRequest struct {
	// Branch is the branch being rebased. Defaults to the current
	// branch if empty.
	Branch string

	// Upstream is the commitish marking the start of the range of
	// commits being replayed. Everything after Upstream up to Branch
	// is rebased.
	Upstream string

	// Onto is the commit the range is replayed on top of. Defaults to
	// Upstream when empty.
	Onto string

	// Autostash stashes dirty worktree changes before the rebase and
	// restores them afterward.
	Autostash bool

	// Quiet suppresses most rebase progress output.
	Quiet bool

	// Interactive drops the user into an editable rebase todo list
	// before replay begins.
	Interactive bool
}

func (req RebaseRequest) args() []string {
	args := []string{"rebase"}
	if req.Interactive {
		args = append(args, "--interactive")
	}
	if req.Onto != "" {
		args = append(args, "--onto", req.Onto)
	}
	if req.Autostash {
		args = append(args, "--autostash")
	}
	if req.Quiet {
		args = append(args, "--quiet")
	}
	if req.Upstream != "" {
		args = append(args, req.Upstream)
	}
	if req.Branch != "" {
		args = append(args, req.Branch)
	}
	return args
}

// RebaseInterruptKind classifies why a rebase stopped without finishing.
type RebaseInterruptKind int

const (
	// RebaseInterruptConflict means the rebase stopped because replaying
	// a commit produced a conflict that needs manual resolution.
	RebaseInterruptConflict RebaseInterruptKind = iota

	// RebaseInterruptDeliberate means the rebase stopped because the
	// todo list told it to — an 'edit' or 'break' instruction.
	RebaseInterruptDeliberate
)

func (k RebaseInterruptKind) String() string {
	switch k {
	case RebaseInterruptConflict:
		return "conflict"
	case RebaseInterruptDeliberate:
		return "deliberate"
	default:
		return "unknown"
	}
}

// RebaseInterruptError reports that a rebase stopped partway through,
// leaving the repository mid-rebase. Callers typically surface this to
// the user with instructions to resolve and continue, and may use State
// to resume the operation that triggered the rebase once it's done.
type RebaseInterruptError struct {
	Kind  RebaseInterruptKind
	State *RebaseState
}

func (e *RebaseInterruptError) Error() string {
	return fmt.Sprintf("rebase of %v interrupted (%v)", e.State.Branch, e.Kind)
}

// Rebase runs 'git rebase' per req. If the rebase stops partway through —
// on a conflict, or on a deliberate 'edit'/'break' instruction — it
// returns a [*RebaseInterruptError] describing the state left behind
// rather than a generic exec error.
func (r *Repository) Rebase(ctx context.Context, req RebaseRequest) error {
	runErr := r.gitCmd(ctx, req.args()...).Run(r.exec)
	if runErr == nil {
		return r.checkDeliberateInterrupt(ctx)
	}
	return r.checkFailedInterrupt(ctx, runErr)
}

// checkDeliberateInterrupt handles the case where 'git rebase' exited
// zero but left rebase state behind anyway — which only happens when the
// user asked it to pause deliberately.
func (r *Repository) checkDeliberateInterrupt(ctx context.Context) error {
	state, err := r.loadRebaseState(ctx)
	if err != nil {
		return nil
	}
	return &RebaseInterruptError{Kind: RebaseInterruptDeliberate, State: state}
}

// checkFailedInterrupt handles the case where 'git rebase' exited
// non-zero. That's usually a conflict, detectable by the presence of
// leftover rebase state; anything else is reported as-is.
func (r *Repository) checkFailedInterrupt(ctx context.Context, runErr error) error {
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return fmt.Errorf("rebase: %w", runErr)
	}

	state, err := r.loadRebaseState(ctx)
	if err != nil {
		r.log.Debug("Failed to read rebase state: %v", err)
		return runErr
	}

	return &RebaseInterruptError{Kind: RebaseInterruptConflict, State: state}
}

// RebaseAbort runs 'git rebase --abort', discarding an in-progress rebase.
func (r *Repository) RebaseAbort(ctx context.Context) error {
	if err := r.gitCmd(ctx, "rebase", "--abort").Run(r.exec); err != nil {
		return fmt.Errorf("rebase abort: %w", err)
	}
	return nil
}

// RebaseBackend identifies which of Git's two rebase implementations is
// in use. See https://git-scm.com/docs/git-rebase#_behavioral_differences.
type RebaseBackend int

const (
	// RebaseBackendMerge is Git's default backend. It handles more
	// corner cases (e.g. renames) correctly.
	RebaseBackendMerge RebaseBackend = iota

	// RebaseBackendApply is the older, '--apply'-flagged backend.
	// Rarely used.
	RebaseBackendApply
)

// stateDirsByBackend maps each backend to the directory Git stores its
// in-progress rebase state under, inside .git.
var stateDirsByBackend = map[RebaseBackend]string{
	RebaseBackendMerge: "rebase-merge",
	RebaseBackendApply: "rebase-apply",
}

func (b RebaseBackend) String() string {
	switch b {
	case RebaseBackendMerge:
		return "merge"
	case RebaseBackendApply:
		return "apply"
	default:
		return "unknown"
	}
}

func (b RebaseBackend) stateDir() string {
	dir, ok := stateDirsByBackend[b]
	must.Bef(ok, "unknown rebase backend: %v", b)
	return dir
}

// RebaseState describes an in-progress rebase found on disk.
type RebaseState struct {
	// Branch is the branch being rebased.
	Branch string

	// Backend is the rebase implementation Git is using.
	Backend RebaseBackend
}

// rebaseBackendPriority lists the backends to probe for, in order.
// Apply is checked first only because it's the less common case and
// ruling it out quickly is cheap.
var rebaseBackendPriority = []RebaseBackend{RebaseBackendApply, RebaseBackendMerge}

// loadRebaseState reads whichever of .git/rebase-merge or
// .git/rebase-apply is currently present, and extracts the branch under
// rebase from its head-name file. There's no porcelain command for this;
// see https://github.com/git/git/blob/d8ab1d464d07baa30e5a180eb33b3f9aa5c93adf/wt-status.c#L1711.
func (r *Repository) loadRebaseState(_ context.Context) (*RebaseState, error) {
	for _, backend := range rebaseBackendPriority {
		branch, err := readRebaseHeadName(filepath.Join(r.gitDir, backend.stateDir()))
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("check %v: %w", backend, err)
		}

		return &RebaseState{Branch: branch, Backend: backend}, nil
	}

	return nil, errors.New("no rebase in progress")
}

func readRebaseHeadName(stateDir string) (string, error) {
	if _, err := os.Stat(stateDir); err != nil {
		return "", err
	}

	head, err := os.ReadFile(filepath.Join(stateDir, "head-name"))
	if err != nil {
		return "", err
	}

	ref := strings.TrimSpace(string(head))
	return strings.TrimPrefix(ref, "refs/heads/"), nil
}
