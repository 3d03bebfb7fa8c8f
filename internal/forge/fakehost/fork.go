package shamhub

import (
	"fmt"
	"os/exec"

	"github.com/charmbracelet/log"
	"github.com/stacklane/stk/internal/logutil"
)

// ForkRepository forks the repository owned by owner/repo into a new
// repository of the same name owned by forkOwner, and returns the URL
// to the forked repository.
func (sh *ShamHub) ForkRepository(owner, repo, forkOwner string) (string, error) {
	// Only one repository-mutating operation at a time.
	sh.mu.Lock()
	defer sh.mu.Unlock()

	srcDir := sh.repoDir(owner, repo)
	dstDir := sh.repoDir(forkOwner, repo)

	logw, flush := logutil.Writer(sh.log, log.DebugLevel)
	defer flush()

	cloneCmd := exec.Command(sh.gitExe, "clone", "--bare", srcDir, dstDir)
	cloneCmd.Stdout = logw
	cloneCmd.Stderr = logw
	if err := cloneCmd.Run(); err != nil {
		return "", fmt.Errorf("fork repository: %w", err)
	}

	cfgCmd := exec.Command(sh.gitExe, "config", "http.receivepack", "true")
	cfgCmd.Dir = dstDir
	cfgCmd.Stdout = logw
	cfgCmd.Stderr = logw
	if err := cfgCmd.Run(); err != nil {
		return "", fmt.Errorf("configure forked repository: %w", err)
	}

	return sh.gitServer.URL + "/" + forkOwner + "/" + repo + ".git", nil
}
