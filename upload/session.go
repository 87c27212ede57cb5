package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrAuthFailed marks credential rejection, distinct from transport
// failures for observability. Tasks are requeued either way.
var ErrAuthFailed = errors.New("authentication failed")

const (
	authTimeout = 10 * time.Second

	// tokens are refreshed when closer than this to expiry
	tokenRefreshMargin = 60 * time.Second

	// the server does not report a lifetime, assume one hour
	tokenLifetime = time.Hour
)

// Session owns the access token shared by all upload tasks. Auth exchanges
// serialize on the session mutex.
type Session struct {
	creds  Credentials
	client *http.Client
	log    zerolog.Logger

	mutex  sync.Mutex
	token  string
	expiry time.Time
	now    func() time.Time
}

func NewSession(creds Credentials) *Session {
	return &Session{
		creds:  creds,
		client: &http.Client{Timeout: authTimeout},
		log:    log.With().Str("context", "upload").Logger(),
		now:    time.Now,
	}
}

// Token returns a valid bearer token, re-authenticating when the current
// one is absent or within the refresh margin of expiry.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.token != "" && s.now().Before(s.expiry.Add(-tokenRefreshMargin)) {
		return s.token, nil
	}
	return s.authenticate(ctx)
}

// Authenticated reports whether a token currently exists.
func (s *Session) Authenticated() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.token != ""
}

// authenticate performs the auth exchange. Caller holds the mutex.
func (s *Session) authenticate(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": s.creds.Username,
		"password": s.creds.Password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.creds.ServerURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// unreachable server is a connectivity problem, not a credential one
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	}

	var reply struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("%w: %s", ErrAuthFailed, err)
	}
	if reply.AccessToken == "" {
		return "", fmt.Errorf("%w: no access_token in response", ErrAuthFailed)
	}

	s.token = reply.AccessToken
	s.expiry = s.now().Add(tokenLifetime)
	s.log.Info().Msg("authenticated with cloud server")
	return s.token, nil
}
