package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

const (
	BasicAuthPrefix = "Basic "
)

// BasicAuthEngine accepts a single user name and password pair.
type BasicAuthEngine struct {
	User     string
	Password string
}

// NewBasicAuthEngine creates a BasicAuthEngine for the given credentials.
// Both must be non-empty.
func NewBasicAuthEngine(user string, password string) (*BasicAuthEngine, error) {
	if user == "" || password == "" {
		return nil, errors.New("basic auth requires a user and a password")
	}

	return &BasicAuthEngine{
		User:     user,
		Password: password,
	}, nil
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. It returns true if the credentials are valid, false otherwise.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (bool, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, BasicAuthPrefix) {
		return false, nil
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(BasicAuthPrefix):]))
	if err != nil {
		return false, nil
	}

	user, password, ok := strings.Cut(string(payload), ":")
	if !ok {
		return false, nil
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(e.User)) == 1
	passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(e.Password)) == 1
	return userOK && passwordOK, nil
}
