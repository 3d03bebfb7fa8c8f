package shamhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/stacklane/stk/internal/forge"
	"github.com/stacklane/stk/internal/must"
	"github.com/stacklane/stk/internal/secret"
)

// Options defines CLI options for the ShamHub forge.
type Options struct {
	// URL is the base URL for Git repositories
	// hosted on the ShamHub server.
	// URLs under this must implement the Git HTTP protocol.
	URL string `name:"shamhub-url" hidden:"" env:"SHAMHUB_URL" help:"Base URL for ShamHub requests"`

	// APIURL is the base URL for the ShamHub API.
	APIURL string `name:"shamhub-api-url" hidden:"" env:"SHAMHUB_API_URL" help:"Base URL for ShamHub API requests"`
}

// Forge provides an implementation of [forge.Forge] backed by a ShamHub
// server.
type Forge struct {
	Options

	// Log is the logger to use for logging.
	Log *log.Logger
}

var _ forge.Forge = (*Forge)(nil)

// AuthenticationToken is the authentication token used by the ShamHub forge.
type AuthenticationToken struct {
	forge.AuthenticationToken

	tok string
}

var _ forge.AuthenticationToken = (*AuthenticationToken)(nil)

func (f *Forge) jsonHTTPClient() *jsonHTTPClient {
	return &jsonHTTPClient{
		log:    f.Log,
		client: http.DefaultClient,
	}
}

// ID reports a unique identifier for this forge.
func (*Forge) ID() string { return "shamhub" }

// CLIPlugin registers additional CLI flags for the ShamHub forge.
func (f *Forge) CLIPlugin() any { return &f.Options }

// AuthenticationFlow initiates the authentication flow for the ShamHub forge.
// The flow is optimized for ease of use from test scripts
// and is not representative of a real-world authentication flow.
//
// To authenticate, the user must set the SHAMHUB_USERNAME environment variable
// before attempting to authenticate.
// The flow will fail if this variable is not set.
// It does not check whether the user is already authenticated.
func (f *Forge) AuthenticationFlow(ctx context.Context) (forge.AuthenticationToken, error) {
	must.NotBeBlankf(f.APIURL, "API URL is required")

	username := os.Getenv("SHAMHUB_USERNAME")
	if username == "" {
		return nil, errors.New("SHAMHUB_USERNAME is required")
	}

	loginURL, err := url.JoinPath(f.APIURL, "/login")
	if err != nil {
		return nil, fmt.Errorf("parse API URL: %w", err)
	}

	req := loginRequest{
		Username: username,
	}
	var res loginResponse
	if err := f.jsonHTTPClient().Post(ctx, loginURL, req, &res); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	return &AuthenticationToken{tok: res.Token}, nil
}

func (f *Forge) secretService() string {
	must.NotBeBlankf(f.URL, "URL is required")
	return "shamhub:" + f.URL
}

// SaveAuthenticationToken saves the given authentication token to the stash.
func (f *Forge) SaveAuthenticationToken(stash secret.Stash, t forge.AuthenticationToken) error {
	return stash.SaveSecret(f.secretService(), "token", t.(*AuthenticationToken).tok)
}

// LoadAuthenticationToken loads the authentication token from the stash.
func (f *Forge) LoadAuthenticationToken(stash secret.Stash) (forge.AuthenticationToken, error) {
	token, err := stash.LoadSecret(f.secretService(), "token")
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	return &AuthenticationToken{tok: token}, nil
}

// ClearAuthenticationToken removes the authentication token from the stash.
func (f *Forge) ClearAuthenticationToken(stash secret.Stash) error {
	return stash.DeleteSecret(f.secretService(), "token")
}

// MatchURL reports whether the given URL is a ShamHub URL.
func (f *Forge) MatchURL(remoteURL string) bool {
	must.NotBeBlankf(f.URL, "URL is required")

	_, ok := strings.CutPrefix(remoteURL, f.URL)
	return ok
}

type isMergedResponse struct {
	Merged bool `json:"merged"`
}

var _ = shamhubHandler("GET /{owner}/{repo}/change/{number}/merged", (*ShamHub).handleIsMerged)

func (sh *ShamHub) handleIsMerged(w http.ResponseWriter, r *http.Request) {
	owner, repo, numStr := r.PathValue("owner"), r.PathValue("repo"), r.PathValue("number")
	if owner == "" || repo == "" || numStr == "" {
		http.Error(w, "owner, repo, and number are required", http.StatusBadRequest)
		return
	}

	num, err := strconv.Atoi(numStr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sh.mu.RLock()
	var (
		merged bool
		found  bool
	)
	for _, c := range sh.changes {
		if c.Base.Owner == owner && c.Base.Repo == repo && c.Number == num {
			merged = c.State == shamChangeMerged
			found = true
			break
		}
	}
	sh.mu.RUnlock()

	if !found {
		http.Error(w, "change not found", http.StatusNotFound)
		return
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(isMergedResponse{Merged: merged}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (f *forgeRepository) ChangeIsMerged(ctx context.Context, fid forge.ChangeID) (bool, error) {
	id := fid.(ChangeID)
	u := f.apiURL.JoinPath(f.owner, f.repo, "change", strconv.Itoa(int(id)), "merged")
	var res isMergedResponse
	if err := f.client.Get(ctx, u.String(), &res); err != nil {
		return false, fmt.Errorf("is merged: %w", err)
	}
	return res.Merged, nil
}

type jsonHTTPClient struct {
	log     *log.Logger
	headers map[string]string
	client  interface {
		Do(*http.Request) (*http.Response, error)
	}
}

func (c *jsonHTTPClient) Get(ctx context.Context, url string, res any) error {
	return c.do(ctx, http.MethodGet, url, nil, res)
}

func (c *jsonHTTPClient) Post(ctx context.Context, url string, req, res any) error {
	return c.do(ctx, http.MethodPost, url, req, res)
}

func (c *jsonHTTPClient) Patch(ctx context.Context, url string, req, res any) error {
	return c.do(ctx, http.MethodPatch, url, req, res)
}

func (c *jsonHTTPClient) Delete(ctx context.Context, url string, res any) error {
	return c.do(ctx, http.MethodDelete, url, nil, res)
}

func (c *jsonHTTPClient) do(ctx context.Context, method, url string, req, res any) error {
	var reqBody io.Reader
	if req != nil {
		bs, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(bs)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send HTTP request: %w", err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	resBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d\nbody: %s", httpResp.StatusCode, resBody)
	}

	if res == nil || len(resBody) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(resBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(res); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
