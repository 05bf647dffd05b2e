package evoauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/transport"
)

const (
	DefaultBaseURL = "https://evo.haieronline.ru"

	loginPath   = "v1/users/auth/sign-in"
	refreshPath = "v1/users/auth/refresh"

	// login/refresh retry policy, applied only to HTTP-status failures
	retryAttempts     = 5
	retryBaseInterval = 4 * time.Second
	retryMaxInterval  = 10 * time.Second
)

// The vendor issues token expiries referenced to UTC+3; expiry comparisons
// happen in the same zone.
var vendorZone = time.FixedZone("UTC+3", 3*60*60)

// AuthError is fatal to the operation that required authentication; the
// credential bundle has been cleared by the time it is returned.
type AuthError struct {
	cause error
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.cause.Error()
}

func (e *AuthError) Unwrap() error {
	return e.cause
}

// Manager owns the credential bundle.  All authenticated callers go through
// EnsureAuthenticated, which serializes so at most one login or refresh is
// in flight at a time.
type Manager struct {
	mu       sync.Mutex
	client   *transport.Client
	store    Store
	baseURL  string
	email    string
	password string
	bundle   Bundle

	now       func() time.Time
	retryBase time.Duration
	retryMax  time.Duration
}

func NewManager(client *transport.Client, store Store, email, password string) *Manager {
	return &Manager{
		client:   client,
		store:    store,
		baseURL:  DefaultBaseURL,
		email:    email,
		password: password,

		now:       time.Now,
		retryBase: retryBaseInterval,
		retryMax:  retryMaxInterval,
	}
}

func (m *Manager) WithBaseURL(u string) *Manager {
	m.baseURL = u
	return m
}

// LoadBundle restores a previously persisted bundle.  A missing or broken
// token file is not fatal; the next EnsureAuthenticated logs in afresh.
func (m *Manager) LoadBundle() {
	b, err := m.store.Load()
	if err != nil {
		logging.Logger(nil).WithError(err).Warn("no saved tokens, will log in")
		return
	}

	m.mu.Lock()
	m.bundle = b
	m.mu.Unlock()
	logging.Logger(nil).Infof("Loaded saved tokens: %s", b)
}

// AccessToken returns the current access token.  Call EnsureAuthenticated
// first; the token may otherwise be stale or empty.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundle.AccessToken
}

// EnsureAuthenticated makes sure an unexpired access token is held,
// refreshing or logging in as needed.  Safe for concurrent use: callers
// block on the in-flight attempt instead of issuing duplicates.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().In(vendorZone)

	if m.bundle.AccessToken != "" {
		if m.bundle.AccessExpiry.After(now) {
			return nil
		}
		if m.bundle.RefreshToken != "" && m.bundle.RefreshExpiry.After(now) {
			logging.Logger(ctx).Info("Access token expired, refreshing")
			return m.login(ctx, true)
		}
	}

	logging.Logger(ctx).Info("Access token expired or empty, logging in")
	return m.login(ctx, false)
}

type tokenResponse struct {
	Data *struct {
		Token *struct {
			AccessToken   string `json:"accessToken"`
			Expire        string `json:"expire"`
			RefreshToken  string `json:"refreshToken"`
			RefreshExpire string `json:"refreshExpire"`
		} `json:"token"`
	} `json:"data"`
	Error json.RawMessage `json:"error"`
}

// must hold m.mu
func (m *Manager) login(ctx context.Context, refresh bool) error {
	var endpoint string
	form := url.Values{}
	if refresh {
		endpoint = m.baseURL + "/" + refreshPath
		form.Set("refreshToken", m.bundle.RefreshToken)
	} else {
		endpoint = m.baseURL + "/" + loginPath
		form.Set("email", m.email)
		form.Set("password", m.password)
	}

	logging.Logger(ctx).Infof("Posting credentials to %s for %s", endpoint, m.email)

	var resp *transport.Response
	op := func() error {
		var err error
		resp, err = m.client.Do(ctx, http.MethodPost, endpoint, transport.WithForm(form.Encode()))
		if err != nil {
			if _, ok := transport.AsStatusError(err); ok {
				logging.Logger(ctx).WithError(err).Warn("login attempt failed, will retry")
				return err
			}
			// network-level failures are not retried here
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.retryBase
	bo.MaxInterval = m.retryMax

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts-1), ctx)); err != nil {
		if _, ok := transport.AsStatusError(err); ok {
			m.clearBundle()
			return &AuthError{cause: err}
		}
		return err
	}

	bundle, err := parseTokenResponse(resp)
	if err != nil {
		logging.Logger(ctx).WithError(err).Errorf("Bad login response for %s", m.email)
		m.clearBundle()
		return &AuthError{cause: err}
	}

	m.bundle = bundle
	if err := m.store.Save(m.bundle); err != nil {
		// the session is valid even when it could not be persisted
		logging.Logger(ctx).WithError(err).Error("persisting tokens")
	}

	if refresh {
		logging.Logger(ctx).Infof("Refreshed token for %s", m.email)
	} else {
		logging.Logger(ctx).Infof("Logged in as %s", m.email)
	}
	return nil
}

func parseTokenResponse(resp *transport.Response) (Bundle, error) {
	if !resp.IsJSON() {
		return Bundle{}, errors.Errorf("expected JSON response, got %q", resp.Header.Get("Content-Type"))
	}

	tr := tokenResponse{}
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return Bundle{}, errors.Wrap(err, "decoding token response")
	}

	if len(tr.Error) > 0 && string(tr.Error) != "null" {
		return Bundle{}, errors.Errorf("vendor error: %s", tr.Error)
	}
	if tr.Data == nil || tr.Data.Token == nil {
		return Bundle{}, errors.New("token object missing from response")
	}

	tok := tr.Data.Token
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return Bundle{}, errors.New("token response missing accessToken or refreshToken")
	}

	expire, err := ParseTimestamp(tok.Expire)
	if err != nil {
		return Bundle{}, errors.Wrap(err, "parsing token expiry")
	}
	refreshExpire, err := ParseTimestamp(tok.RefreshExpire)
	if err != nil {
		return Bundle{}, errors.Wrap(err, "parsing refresh token expiry")
	}

	return Bundle{
		AccessToken:   tok.AccessToken,
		AccessExpiry:  expire,
		RefreshToken:  tok.RefreshToken,
		RefreshExpiry: refreshExpire,
	}, nil
}

// must hold m.mu
func (m *Manager) clearBundle() {
	m.bundle = Bundle{}
	if err := m.store.Save(m.bundle); err != nil {
		logging.Logger(nil).WithError(err).Error("clearing persisted tokens")
	}
}
