// Package spice implements the stack engine: the component that turns a
// chain of Git branches into an ordered, restackable unit and drives
// restacking, renaming, and change-metadata bookkeeping for it.
package spice

import (
	"context"
	"iter"

	"github.com/charmbracelet/log"
	"github.com/stacklane/stk/internal/forge"
	"github.com/stacklane/stk/internal/git"
	"github.com/stacklane/stk/internal/spice/state"
)

//go:generate mockgen -package spice -destination mocks_test.go . GitRepository,Store

// GitRepository is the slice of [git.Repository] the stack engine needs.
// Declaring it as an interface here, rather than depending on the
// concrete type, keeps the engine testable against a fake.
type GitRepository interface {
	MergeBase(ctx context.Context, a, b string) (git.Hash, error)
	IsAncestor(ctx context.Context, a, b git.Hash) bool
	ForkPoint(ctx context.Context, a, b string) (git.Hash, error)
	PeelToCommit(ctx context.Context, ref string) (git.Hash, error)
	HashAt(ctx context.Context, treeish, path string) (git.Hash, error)

	CurrentBranch(ctx context.Context) (string, error)
	LocalBranches(ctx context.Context, opts *git.LocalBranchesOptions) iter.Seq2[git.LocalBranch, error]
	ListRemoteRefs(ctx context.Context, remote string, opts *git.ListRemoteRefsOptions) iter.Seq2[git.RemoteRef, error]
	ListRemotes(ctx context.Context) ([]string, error)
	RemoteDefaultBranch(ctx context.Context, remote string) (string, error)

	Rebase(context.Context, git.RebaseRequest) error
	RenameBranch(context.Context, git.RenameBranchRequest) error
	DeleteBranch(context.Context, string, git.BranchDeleteOptions) error
}

var _ GitRepository = (*git.Repository)(nil)

// Store is the slice of [state.Store] the stack engine needs to read and
// write the branch graph, plus the repository-level metadata (trunk,
// remote, rebase continuations, template cache) it depends on.
type Store interface {
	LookupBranch(ctx context.Context, name string) (*state.LookupResponse, error)
	ListBranches(ctx context.Context) ([]string, error)
	BeginBranchTx() *state.BranchTx
	Trunk() string
	Remote() (string, error)

	SetContinuation(ctx context.Context, req state.SetContinuationRequest) error
	LoadCachedTemplates(ctx context.Context) (cacheKey string, templates []*state.CachedTemplate, err error)
	CacheTemplates(ctx context.Context, cacheKey string, templates []*state.CachedTemplate) error
}

var _ Store = storeAdapter{}

// storeAdapter adapts [*state.Store] to [Store]. The engine calls
// SetContinuation; the underlying store exposes AppendContinuation plus a
// queue, since it also backs the multi-step 'stk rebase continue' flow.
// Each SetContinuation call appends one entry to that queue, and
// 'stk rebase continue' takes the entries oldest first; the adapter is a
// thin rename, not a behavior change.
type storeAdapter struct {
	*state.Store
}

func (a storeAdapter) SetContinuation(ctx context.Context, req state.SetContinuationRequest) error {
	return a.Store.AppendContinuation(ctx, req)
}

// Service is the stack engine: it owns the mapping between branches and
// their recorded base/change state, and the operations (restack, rename,
// forget, submit) that keep that mapping consistent with Git.
type Service struct {
	repo  GitRepository
	store Store
	forge forge.Forge // nil unless explicitly provided, e.g. in tests
	log   *log.Logger
}

// newService is the shared constructor; forge may be nil, in which case
// change metadata is always resolved through the global forge registry
// by the forge ID recorded on the branch.
func newService(repo GitRepository, store Store, f forge.Forge, logger *log.Logger) *Service {
	return &Service{repo: repo, store: store, forge: f, log: logger}
}

// NewService builds a Service operating against repo and store. Change
// metadata for each branch is resolved dynamically via the forge
// registry, by the forge ID recorded alongside it, so branches submitted
// to different forges over the repository's lifetime stay readable.
func NewService(repo GitRepository, store Store, logger *log.Logger) *Service {
	return newService(repo, store, nil, logger)
}

// NewServiceForRepo is [NewService], but takes the concrete state store
// for the common case of wiring production code.
func NewServiceForRepo(repo GitRepository, store *state.Store, logger *log.Logger) *Service {
	return NewService(repo, storeAdapter{store}, logger)
}
