package spice

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklane/stk/internal/git"
	"github.com/stacklane/stk/internal/spice/state"
)

// ErrAlreadyRestacked is returned by [Service.Restack] when the named
// branch already sits directly on top of its base.
var ErrAlreadyRestacked = errors.New("branch is already restacked")

// RestackResponse reports the outcome of a successful [Service.Restack].
type RestackResponse struct {
	// Base is the branch that name was restacked onto.
	Base string
}

// BranchNeedsRestackError is returned by [Service.VerifyRestacked] when a
// branch's history has drifted from its recorded base and must be rebuilt.
type BranchNeedsRestackError struct {
	// Base names the branch name should sit on top of.
	Base string

	// BaseHash is Base's current tip commit.
	BaseHash git.Hash
}

func (e *BranchNeedsRestackError) Error() string {
	return fmt.Sprintf("branch needs to be restacked on top of %v", e.Base)
}

// Restack rebuilds name on top of its base branch's current tip.
//
// Returns [ErrAlreadyRestacked] if name is already sitting on its base.
func (s *Service) Restack(ctx context.Context, name string) (*RestackResponse, error) {
	branch, err := s.LookupBranch(ctx, name)
	if err != nil {
		return nil, err
	}

	var needsRestack *BranchNeedsRestackError
	switch err := s.VerifyRestacked(ctx, name); {
	case err == nil:
		return nil, ErrAlreadyRestacked
	case errors.As(err, &needsRestack):
		// fall through to the rebuild below
	default:
		return nil, fmt.Errorf("verify restacked: %w", err)
	}

	upstream := s.rebaseUpstream(ctx, branch, name, needsRestack.BaseHash)

	if err := s.repo.Rebase(ctx, git.RebaseRequest{
		Onto:      needsRestack.BaseHash.String(),
		Upstream:  upstream.String(),
		Branch:    name,
		Autostash: true,
		Quiet:     true,
	}); err != nil {
		return nil, fmt.Errorf("rebase: %w", err)
	}

	if err := s.recordBaseHash(ctx, name, needsRestack.BaseHash,
		fmt.Sprintf("%v: restacked on %v", name, branch.Base)); err != nil {
		return nil, err
	}

	return &RestackResponse{Base: branch.Base}, nil
}

// rebaseUpstream picks the commit that Rebase should treat as the start of
// the range being replayed.
//
// Ordinarily this is the branch's last recorded base hash. But if the base
// branch has since been amended or reset out from under us, that recorded
// hash may no longer be an ancestor of the branch's own history at all —
// rebasing "from" it would silently drag in unrelated commits. When that
// happens we fall back to 'git merge-base --fork-point', which recovers the
// commit where the branch actually diverged from its base, independent of
// what our state store remembers:
//
//	---X---A'---o base
//	    \
//	     A
//	      \
//	       B---o---o name
//
// Here name forked from base while base was at A; base was later amended to
// A'. merge-base --fork-point(base, name) still reports A, which is the
// correct upstream even though our recorded base hash now points at A'.
func (s *Service) rebaseUpstream(ctx context.Context, branch *LookupBranchResponse, name string, baseHash git.Hash) git.Hash {
	upstream := branch.BaseHash
	if s.repo.IsAncestor(ctx, upstream, branch.Head) {
		return upstream
	}

	forkPoint, err := s.repo.ForkPoint(ctx, branch.Base, name)
	if err != nil {
		return upstream
	}

	if upstream != forkPoint {
		s.log.Debug("Recorded base hash is out of date. Restacking from fork point.",
			"base", branch.Base, "branch", name, "forkPoint", forkPoint)
	}
	return forkPoint
}

// VerifyRestacked checks whether name sits directly on top of its base
// branch's current tip, correcting a stale recorded base hash along the way
// if the branch is otherwise fine.
//
// Returns [*BranchNeedsRestackError] if a rebuild is required, or
// [state.ErrNotExist] if name isn't tracked.
func (s *Service) VerifyRestacked(ctx context.Context, name string) error {
	branch, err := s.LookupBranch(ctx, name)
	if err != nil {
		return err
	}

	baseHash, err := s.repo.PeelToCommit(ctx, branch.Base)
	if err != nil {
		if errors.Is(err, git.ErrNotExist) {
			return fmt.Errorf("base branch %v does not exist", branch.Base)
		}
		return fmt.Errorf("find commit for %v: %w", branch.Base, err)
	}

	if !s.repo.IsAncestor(ctx, baseHash, branch.Head) {
		return &BranchNeedsRestackError{Base: branch.Base, BaseHash: baseHash}
	}

	if branch.BaseHash == baseHash {
		return nil
	}

	// The branch is fine, but our record of its base hash has drifted —
	// most likely because someone rebased it outside of this tool.
	// Repair the record; a failure here isn't worth failing the whole
	// verification over.
	s.log.Debug("Updating recorded base hash", "branch", name, "base", branch.Base)
	msg := fmt.Sprintf("%v: branch was restacked externally", name)
	if err := s.recordBaseHash(ctx, name, baseHash, msg); err != nil {
		s.log.Warn("Failed to update recorded base hash", "error", err)
	}
	return nil
}

// recordBaseHash persists a branch's new base hash in a single-entry
// transaction.
func (s *Service) recordBaseHash(ctx context.Context, name string, baseHash git.Hash, msg string) error {
	tx := s.store.BeginBranchTx()
	if err := tx.Upsert(ctx, state.UpsertRequest{Name: name, BaseHash: baseHash}); err != nil {
		return fmt.Errorf("update base hash of %v: %w", name, err)
	}
	if err := tx.Commit(ctx, msg); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	return nil
}
