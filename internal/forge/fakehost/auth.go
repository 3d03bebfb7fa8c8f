package shamhub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

type loginRequest struct {
	Username string `json:"username,omitempty"`
}

type loginResponse struct {
	Token string `json:"token,omitempty"`
}

var _ = shamhubRESTHandler("POST /login", (*ShamHub).handleLogin)

func (sh *ShamHub) handleLogin(_ context.Context, req *loginRequest) (*loginResponse, error) {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	token := hex.EncodeToString(buf[:])

	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, u := range sh.users {
		if u.Username != req.Username {
			continue
		}

		sh.tokens[token] = u.Username
		return &loginResponse{Token: token}, nil
	}

	return nil, notFoundErrorf("user %q not found", req.Username)
}

type shamUser struct {
	Username string
}

// RegisterUser registers a new user against the Forge
// with the given username.
func (sh *ShamHub) RegisterUser(username string) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, u := range sh.users {
		if u.Username == username {
			return fmt.Errorf("user %q already exists", username)
		}
	}

	sh.users = append(sh.users, shamUser{Username: username})
	return nil
}

// IssueToken issues an authentication token for the given username.
// The user must already be registered.
// This is a test helper method.
func (sh *ShamHub) IssueToken(username string) (string, error) {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	token := hex.EncodeToString(buf[:])

	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, u := range sh.users {
		if u.Username == username {
			sh.tokens[token] = username
			return token, nil
		}
	}

	return "", fmt.Errorf("user %q not found", username)
}
