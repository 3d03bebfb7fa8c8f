package spice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/stacklane/stk/internal/forge"
	"github.com/stacklane/stk/internal/git"
	"github.com/stacklane/stk/internal/must"
	"github.com/stacklane/stk/internal/spice/state"
)

// _maxGeneratedNameLen bounds the length of a branch name
// synthesized from a commit subject by [GenerateBranchName].
const _maxGeneratedNameLen = 32

// GenerateBranchName turns a commit subject into a branch name:
// lowercase, word-separated by hyphens, non-alphanumeric runes dropped.
// The result is truncated to _maxGeneratedNameLen at a word boundary.
func GenerateBranchName(subject string) string {
	words := strings.FieldsFunc(strings.ToLower(subject), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	must.NotBeEmptyf(words, "subject must not be empty")

	var b strings.Builder
	for _, w := range words {
		sep := 0
		if b.Len() > 0 {
			sep = 1
		}
		if b.Len()+sep+len(w) > _maxGeneratedNameLen {
			break
		}

		if sep == 1 {
			b.WriteByte('-')
		}
		for _, r := range w {
			b.WriteRune(unicode.ToLower(r))
		}
	}

	return b.String()
}

// LookupBranchResponse describes a single branch tracked by the stack engine.
type LookupBranchResponse struct {
	// Base is the name of the branch this branch is stacked on.
	Base string

	// BaseHash is the last base commit recorded for this branch.
	// It may lag behind the base branch's actual current tip.
	BaseHash git.Hash

	// Change holds forge-specific metadata for the branch's published
	// change, or nil if the branch has never been submitted.
	Change forge.ChangeMetadata

	// UpstreamBranch is the remote branch this branch pushes to,
	// or empty if it has no configured upstream.
	UpstreamBranch string

	// Head is the commit the branch currently points at.
	Head git.Hash

	// MergedBranches lists ancestor branches that have already landed
	// on trunk, kept around so history renders correctly.
	// TODO: use forge.ChangeID instead
	MergedBranches []string
}

// DeletedBranchError reports that a tracked branch's ref is gone,
// even though the engine still has metadata (and possibly a base) for it.
type DeletedBranchError struct {
	Name string

	Base     string
	BaseHash git.Hash
}

func (e *DeletedBranchError) Error() string {
	return fmt.Sprintf("tracked branch %v was deleted out of band", e.Name)
}

// LookupBranch resolves a branch name against both the state store and Git,
// reconciling the two sources of truth.
//
// Returns [git.ErrNotExist] if the branch isn't known to the repository,
// [state.ErrNotExist] if the branch isn't tracked,
// or [*DeletedBranchError] if it's tracked but its ref vanished out of band.
func (s *Service) LookupBranch(ctx context.Context, name string) (*LookupBranchResponse, error) {
	tracked, storeErr := s.store.LookupBranch(ctx, name)
	head, gitErr := s.repo.PeelToCommit(ctx, name)

	switch {
	case storeErr == nil && gitErr == nil:
		return s.hydrateBranch(name, tracked, head), nil

	case storeErr != nil && gitErr != nil:
		// Neither source knows this branch; prefer the Git error unless
		// it's something other than "doesn't exist", in which case both
		// failures are worth surfacing together.
		if errors.Is(gitErr, git.ErrNotExist) {
			return nil, fmt.Errorf("resolve head: %w", gitErr)
		}
		return nil, errors.Join(
			fmt.Errorf("untracked branch %v: %w", name, storeErr),
			fmt.Errorf("resolve head: %w", gitErr),
		)

	case storeErr != nil:
		return nil, fmt.Errorf("untracked branch %v: %w", name, storeErr)

	default: // gitErr != nil, storeErr == nil
		if !errors.Is(gitErr, git.ErrNotExist) {
			return nil, fmt.Errorf("resolve head: %w", gitErr)
		}
		return nil, &DeletedBranchError{
			Name:     name,
			Base:     tracked.Base,
			BaseHash: tracked.BaseHash,
		}
	}
}

// hydrateBranch joins a state-store record with its live Git head and,
// if present, deserializes its forge change metadata.
func (s *Service) hydrateBranch(name string, tracked *state.LookupResponse, head git.Hash) *LookupBranchResponse {
	out := &LookupBranchResponse{
		Base:           tracked.Base,
		BaseHash:       tracked.BaseHash,
		UpstreamBranch: tracked.UpstreamBranch,
		Head:           head,
		MergedBranches: tracked.MergedBranches,
	}

	if tracked.ChangeMetadata == nil {
		return out
	}

	// A branch can carry change metadata for a forge that isn't the one
	// currently configured (e.g. the repository migrated forges after
	// submitting). Fall back to the forge registry in that case.
	f := s.forge
	if f == nil || f.ID() != tracked.ChangeForge {
		f, _ = forge.Lookup(tracked.ChangeForge)
	}
	if f == nil {
		return out
	}

	md, err := f.UnmarshalChangeMetadata(tracked.ChangeMetadata)
	if err != nil {
		s.log.Warn("Corrupt change metadata associated with branch",
			"branch", name,
			"metadata", string(tracked.ChangeMetadata),
			"err", err,
		)
		return out
	}

	out.Change = md
	return out
}

// ForgetBranch stops tracking name, reparenting any branches stacked
// directly on top of it onto its own base.
func (s *Service) ForgetBranch(ctx context.Context, name string) error {
	// LookupBranch isn't used here: a branch that no longer exists in
	// Git still needs its upstacks repointed, so state-store data alone
	// is sufficient (and required).
	branch, err := s.store.LookupBranch(ctx, name)
	if err != nil {
		if errors.Is(err, state.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("lookup branch: %w", err)
	}

	// ListAbove isn't used either, since it would skip the branch being
	// forgotten and we need every direct child of it, found or not.
	allNames, err := s.store.ListBranches(ctx)
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}

	tx := s.store.BeginBranchTx()
	for _, candidate := range allNames {
		if candidate == name {
			continue
		}

		info, err := s.store.LookupBranch(ctx, candidate)
		if err != nil {
			return fmt.Errorf("lookup %v: %w", candidate, err)
		}
		if info.Base != name {
			continue
		}

		if err := tx.Upsert(ctx, state.UpsertRequest{
			Name:     candidate,
			Base:     branch.Base,
			BaseHash: branch.BaseHash,
		}); err != nil {
			return fmt.Errorf("change base of %v to %v: %w", candidate, branch.Base, err)
		}
	}

	if err := tx.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete branch %v: %w", name, err)
	}

	return tx.Commit(ctx, fmt.Sprintf("untrack branch %q", name))
}

// RenameBranch renames a tracked branch in both Git and the state store,
// repointing any branches stacked on top of it to the new name.
func (s *Service) RenameBranch(ctx context.Context, oldName, newName string) error {
	oldBranch, err := s.LookupBranch(ctx, oldName)
	if err != nil {
		return fmt.Errorf("lookup %v: %w", oldName, err)
	}

	if _, err := s.repo.PeelToCommit(ctx, newName); err == nil {
		// TODO: a force flag should allow overwriting an existing branch.
		return fmt.Errorf("branch %v already exists", newName)
	}

	aboves, err := s.ListAbove(ctx, oldName)
	if err != nil {
		return fmt.Errorf("list branches above %v: %w", oldName, err)
	}

	var (
		changeForge    string
		changeMetadata json.RawMessage
	)
	if md := oldBranch.Change; md != nil {
		if f, ok := forge.Lookup(md.ForgeID()); ok {
			changeForge = f.ID()
			if changeMetadata, err = f.MarshalChangeMetadata(md); err != nil {
				return fmt.Errorf("marshal change metadata: %w", err)
			}
		}
	}

	tx := s.store.BeginBranchTx()

	if err := tx.Upsert(ctx, state.UpsertRequest{
		Name:           newName,
		Base:           oldBranch.Base,
		BaseHash:       oldBranch.BaseHash,
		ChangeForge:    changeForge,
		ChangeMetadata: changeMetadata,
		UpstreamBranch: &oldBranch.UpstreamBranch,
	}); err != nil {
		return fmt.Errorf("create branch with name %v: %w", newName, err)
	}

	for _, above := range aboves {
		if err := tx.Upsert(ctx, state.UpsertRequest{Name: above, Base: newName}); err != nil {
			return fmt.Errorf("update branch %v to point to %v: %w", above, newName, err)
		}
	}

	if err := tx.Delete(ctx, oldName); err != nil {
		return fmt.Errorf("delete branch %v: %w", oldName, err)
	}

	// Only touch Git once the state-store transaction is guaranteed to
	// commit cleanly; a failed rename here would otherwise leave state
	// pointing at a branch name Git doesn't have.
	if err := s.repo.RenameBranch(ctx, git.RenameBranchRequest{
		OldName: oldName,
		NewName: newName,
	}); err != nil {
		return fmt.Errorf("rename branch: %w", err)
	}

	return tx.Commit(ctx, fmt.Sprintf("rename %q to %q", oldName, newName))
}

// LoadBranchItem is one entry returned by [Service.LoadBranches].
type LoadBranchItem struct {
	Name           string
	Head           git.Hash
	Base           string
	BaseHash       git.Hash
	Change         forge.ChangeMetadata
	UpstreamBranch string
	MergedBranches []string
}

// LoadBranches loads every tracked branch in one pass, sorted by name.
//
// Branches found to have been deleted outside the tool are pruned from
// the state store as a side effect, with their upstacks repointed to
// the nearest surviving ancestor.
func (s *Service) LoadBranches(ctx context.Context) ([]LoadBranchItem, error) {
	names, err := s.store.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}

	items := make([]LoadBranchItem, 0, len(names))
	deleted := make(map[string]*DeletedBranchError)
	for _, name := range names {
		resp, err := s.LookupBranch(ctx, name)
		if err != nil {
			var delErr *DeletedBranchError
			if errors.As(err, &delErr) {
				s.log.Infof("%v: removing...", delErr)
				deleted[name] = delErr
				continue
			}
			return nil, fmt.Errorf("get branch %v: %w", name, err)
		}

		items = append(items, LoadBranchItem{
			Name:           name,
			Head:           resp.Head,
			Base:           resp.Base,
			BaseHash:       resp.BaseHash,
			UpstreamBranch: resp.UpstreamBranch,
			Change:         resp.Change,
			MergedBranches: resp.MergedBranches,
		})
	}

	slices.SortFunc(items, func(a, b LoadBranchItem) int {
		return strings.Compare(a.Name, b.Name)
	})

	if len(deleted) == 0 {
		return items, nil
	}
	s.pruneDeletedBranches(ctx, items, deleted)
	return items, nil
}

// pruneDeletedBranches repoints every surviving branch whose base chain
// passes through a deleted branch, then removes the deleted branches
// from the state store. Failures are logged, not returned: a dangling
// reference to a deleted branch is repaired on the next LoadBranches call.
func (s *Service) pruneDeletedBranches(ctx context.Context, items []LoadBranchItem, deleted map[string]*DeletedBranchError) {
	tx := s.store.BeginBranchTx()

	for i, item := range items {
		base, baseHash := item.Base, item.BaseHash
		for {
			delErr, ok := deleted[base]
			if !ok {
				break
			}
			base, baseHash = delErr.Base, delErr.BaseHash
		}

		if base == item.Base {
			continue
		}

		if err := tx.Upsert(ctx, state.UpsertRequest{Name: item.Name, Base: base, BaseHash: baseHash}); err != nil {
			s.log.Warn("Could not update base of branch upstack from deleted branch",
				"branch", item.Name, "newBase", base, "error", err)
			continue
		}
		items[i].Base, items[i].BaseHash = base, baseHash
	}

	for name := range deleted {
		if err := tx.Delete(ctx, name); err != nil {
			s.log.Warn("Unable to delete branch", "branch", name, "err", err)
		}
	}

	if err := tx.Commit(ctx, "clean up deleted branches"); err != nil {
		s.log.Warn("Error cleaning up after deleted branches", "err", err)
	}
}

// childrenByBase groups every tracked branch by the base it's stacked on.
func (s *Service) childrenByBase(ctx context.Context) (map[string][]string, error) {
	branches, err := s.LoadBranches(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string)
	for _, branch := range branches {
		out[branch.Base] = append(out[branch.Base], branch.Name)
	}
	return out, nil
}

// ListAbove returns the branches whose base is exactly the given branch.
func (s *Service) ListAbove(ctx context.Context, base string) ([]string, error) {
	branches, err := s.LoadBranches(ctx)
	if err != nil {
		return nil, err
	}

	var children []string
	for _, branch := range branches {
		if branch.Base == base {
			children = append(children, branch.Name)
		}
	}
	return children, nil
}

// breadthFirst walks a tree defined by next (base name -> direct children),
// starting at each of roots, and returns every node visited in BFS order
// with each root preserved at the front of the traversal it seeds.
func breadthFirst(roots []string, next map[string][]string) []string {
	var visited []string
	queue := slices.Clone(roots)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited = append(visited, node)
		queue = append(queue, next[node]...)
	}
	return visited
}

// ListUpstack lists start and every branch stacked above it, transitively,
// in breadth-first order with start first.
//
// It's guaranteed that for i < j, branch[j] is not a parent of branch[i].
func (s *Service) ListUpstack(ctx context.Context, start string) ([]string, error) {
	childrenByBase, err := s.childrenByBase(ctx)
	if err != nil {
		return nil, err
	}

	upstacks := breadthFirst([]string{start}, childrenByBase)
	must.NotBeEmptyf(upstacks, "there must be at least one branch")
	must.BeEqualf(start, upstacks[0], "starting branch must be first upstack")
	return upstacks, nil
}

// FindTop returns the topmost branch of every upstack chain reachable
// from start: the branches with nothing stacked above them.
func (s *Service) FindTop(ctx context.Context, start string) ([]string, error) {
	childrenByBase, err := s.childrenByBase(ctx)
	if err != nil {
		return nil, err
	}

	var tops []string
	for _, b := range breadthFirst([]string{start}, childrenByBase) {
		if len(childrenByBase[b]) == 0 {
			tops = append(tops, b)
		}
	}
	must.NotBeEmptyf(tops, "at least start branch (%v) must be in tops", start)
	return tops, nil
}

// ListDownstack lists start and every ancestor branch down to (but not
// including) trunk, nearest ancestor first.
//
// Returns nil if start is trunk, or if every branch below it has already
// been pruned as merged/deleted.
func (s *Service) ListDownstack(ctx context.Context, start string) ([]string, error) {
	tx := s.store.BeginBranchTx()
	defer func() {
		if err := tx.Commit(ctx, "clean up deleted branches"); err != nil {
			s.log.Warn("Error cleaning up after deleted branches", "err", err)
		}
	}()

	var (
		downstacks []string
		previous   string
	)
	for current := start; ; {
		if current == s.store.Trunk() {
			return downstacks, nil
		}

		b, err := s.LookupBranch(ctx, current)
		if err != nil {
			var delErr *DeletedBranchError
			if errors.As(err, &delErr) {
				s.log.Infof("%v", delErr)
				// The branch is gone but its metadata survives; skip
				// over it and repoint whatever was stacked on it to
				// its base, leaving the deleted branch's own state
				// alone in case something else still needs it.
				current = delErr.Base
				if err := tx.Upsert(ctx, state.UpsertRequest{Name: previous, Base: current}); err != nil {
					s.log.Warn("Could not update upstack of deleted branch",
						"branch", previous, "newBase", current, "error", err)
				}
				continue
			}
			return nil, fmt.Errorf("lookup %v: %w", current, err)
		}

		downstacks = append(downstacks, current)
		previous, current = current, b.Base
	}
}

// FindBottom returns the branch just above trunk in start's downstack chain.
func (s *Service) FindBottom(ctx context.Context, start string) (string, error) {
	downstacks, err := s.ListDownstack(ctx, start)
	if err != nil {
		return "", fmt.Errorf("get downstack branches: %w", err)
	}
	if len(downstacks) == 0 {
		return "", errors.New("no downstack branches found")
	}
	return downstacks[len(downstacks)-1], nil
}

// ListStack returns every branch in start's stack — downstack then
// upstack — bottom-most branch first. If start has more than one branch
// stacked above it, all of them are included.
func (s *Service) ListStack(ctx context.Context, start string) ([]string, error) {
	downstacks, err := s.downstackBelow(ctx, start)
	if err != nil {
		return nil, err
	}

	upstacks, err := s.ListUpstack(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("get upstack branches: %w", err)
	}
	must.NotBeEmptyf(upstacks, "upstack branches must not be empty")
	must.BeEqualf(start, upstacks[0], "current branch must be first upstack")

	stack := make([]string, 0, len(downstacks)+len(upstacks))
	stack = append(stack, downstacks...)
	stack = append(stack, upstacks...)
	return stack, nil
}

// downstackBelow returns start's downstack chain with start itself
// excluded and the order reversed, so it reads bottom-most-first and can
// be directly prepended to an upstack slice. Returns nil if start is trunk.
func (s *Service) downstackBelow(ctx context.Context, start string) ([]string, error) {
	if start == s.store.Trunk() {
		return nil, nil
	}

	downstacks, err := s.ListDownstack(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("get downstack branches: %w", err)
	}
	must.NotBeEmptyf(downstacks, "downstack branches must not be empty")
	must.BeEqualf(start, downstacks[0], "current branch must be first downstack")

	downstacks = downstacks[1:]
	slices.Reverse(downstacks)
	return downstacks, nil
}

// NonLinearStackError reports that a branch expected to have at most one
// branch stacked above it has more than one.
type NonLinearStackError struct {
	Branch string
	Aboves []string
}

func (e *NonLinearStackError) Error() string {
	return fmt.Sprintf("%v has %d branches above it", e.Branch, len(e.Aboves))
}

// ListStackLinear is [Service.ListStack], but fails with
// [*NonLinearStackError] the first time it finds a branch with more than
// one branch stacked on top of it.
func (s *Service) ListStackLinear(ctx context.Context, start string) ([]string, error) {
	downstacks, err := s.downstackBelow(ctx, start)
	if err != nil {
		return nil, err
	}

	childrenByBase, err := s.childrenByBase(ctx)
	if err != nil {
		return nil, err
	}

	upstacks := []string{start}
	for current := start; ; {
		aboves := childrenByBase[current]
		if len(aboves) == 0 {
			break
		}
		if len(aboves) > 1 {
			return nil, &NonLinearStackError{Branch: current, Aboves: aboves}
		}
		current = aboves[0]
		upstacks = append(upstacks, current)
	}

	return slices.Concat(downstacks, upstacks), nil
}
