package shamhub

import (
	"errors"
	"fmt"
)

// RejectChangeRequest is a request to reject a change.
type RejectChangeRequest struct {
	Owner, Repo string
	Number      int
}

// RejectChange closes an open change without merging it.
func (sh *ShamHub) RejectChange(req RejectChangeRequest) error {
	if req.Owner == "" || req.Repo == "" || req.Number == 0 {
		return errors.New("owner, repo, and number are required")
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	changeIdx := -1
	for idx, change := range sh.changes {
		if change.Base.Owner == req.Owner && change.Base.Repo == req.Repo && change.Number == req.Number {
			changeIdx = idx
			break
		}
	}
	if changeIdx == -1 {
		return fmt.Errorf("change %d not found", req.Number)
	}

	if sh.changes[changeIdx].State != shamChangeOpen {
		return fmt.Errorf("change %d is not open", req.Number)
	}

	sh.changes[changeIdx].State = shamChangeClosed
	return nil
}
