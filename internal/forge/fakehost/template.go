package shamhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"slices"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"github.com/stacklane/stk/internal/forge"
	"github.com/stacklane/stk/internal/logutil"
)

var _changeTemplatePaths = []string{
	".shamhub/CHANGE_TEMPLATE.md",
	"CHANGE_TEMPLATE.md",
}

// ChangeTemplatePaths reports the case-insensitive paths at which
// it's possible to define change templates in the repository.
func (f *Forge) ChangeTemplatePaths() []string {
	return slices.Clone(_changeTemplatePaths)
}

type changeTemplateResponse []*changeTemplate

type changeTemplate struct {
	Filename string `json:"filename,omitempty"`
	Body     string `json:"body,omitempty"`
}

var _ = shamhubHandler("GET /{owner}/{repo}/change-template", (*ShamHub).handleChangeTemplate)

func (sh *ShamHub) handleChangeTemplate(w http.ResponseWriter, r *http.Request) {
	owner, repo := r.PathValue("owner"), r.PathValue("repo")
	if owner == "" || repo == "" {
		http.Error(w, "owner, and repo are required", http.StatusBadRequest)
		return
	}

	logw, flush := logutil.Writer(sh.log, charmlog.DebugLevel)
	defer flush()

	// Templates may exist under their canonical case, or fully
	// upper/lower-cased, depending on how the repository was set up.
	templatePaths := make(map[string]struct{}, len(_changeTemplatePaths)*3)
	for _, path := range _changeTemplatePaths {
		templatePaths[path] = struct{}{}
		templatePaths[strings.ToUpper(path)] = struct{}{}
		templatePaths[strings.ToLower(path)] = struct{}{}
	}

	var res changeTemplateResponse
	for path := range templatePaths {
		cmd := exec.Command(sh.gitExe, "cat-file", "-p", "HEAD:"+path)
		cmd.Dir = sh.repoDir(owner, repo)
		cmd.Stderr = logw

		if out, err := cmd.Output(); err == nil {
			res = append(res, &changeTemplate{
				Filename: path,
				Body:     strings.TrimSpace(string(out)) + "\n",
			})
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (f *forgeRepository) ListChangeTemplates(ctx context.Context) ([]*forge.ChangeTemplate, error) {
	u := f.apiURL.JoinPath(f.owner, f.repo, "change-template")
	var res changeTemplateResponse
	if err := f.client.Get(ctx, u.String(), &res); err != nil {
		return nil, fmt.Errorf("lookup change body template: %w", err)
	}

	out := make([]*forge.ChangeTemplate, len(res))
	for i, t := range res {
		out[i] = &forge.ChangeTemplate{
			Filename: t.Filename,
			Body:     t.Body,
		}
	}

	return out, nil
}
