package spice

import (
	"github.com/charmbracelet/log"
	"github.com/stacklane/stk/internal/forge"
	"github.com/stacklane/stk/internal/forge/fakehost"
)

// NewTestService creates a new Service for testing.
// If forge is nil, it uses the ShamHub forge.
func NewTestService(
	repo GitRepository,
	store Store,
	forge forge.Forge,
	log *log.Logger,
) *Service {
	if forge == nil {
		forge = &shamhub.Forge{
			Log: log,
		}
	}

	return newService(repo, store, forge, log)
}
