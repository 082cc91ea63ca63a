package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"crewassist/internal/authclient"
	"crewassist/pkg/domain"
)

// DefaultRenewalMargin is how far ahead of token expiry the renewal timer
// fires.
const DefaultRenewalMargin = 5 * time.Minute

// Config wires the resolver's collaborators.
type Config struct {
	Auth *authclient.Client
	// Durable is the primary token store; Fallback the secondary recovery
	// path. Either may be nil.
	Durable  TokenStore
	Fallback TokenStore
	// RenewalMargin defaults to DefaultRenewalMargin when zero.
	RenewalMargin time.Duration
}

// Resolver wraps the authentication provider's session lookup and owns the
// scheduled renewal timer. Its public methods never panic and never leak
// provider errors: a session is either available or nil.
type Resolver struct {
	auth     *authclient.Client
	durable  TokenStore
	fallback TokenStore
	margin   time.Duration

	mu         sync.Mutex
	current    *domain.Session
	renewTimer *time.Timer
}

// NewResolver constructs a Resolver from cfg.
func NewResolver(cfg Config) *Resolver {
	margin := cfg.RenewalMargin
	if margin <= 0 {
		margin = DefaultRenewalMargin
	}
	return &Resolver{
		auth:     cfg.Auth,
		durable:  cfg.Durable,
		fallback: cfg.Fallback,
		margin:   margin,
	}
}

// GetSession queries the provider for the current session. On success the
// normalized session is adopted and both token stores are refreshed. On any
// provider or network error the error is logged and nil is returned.
func (r *Resolver) GetSession(ctx context.Context) *domain.Session {
	token := ""
	if current := r.Current(); current != nil {
		token = current.AccessToken
	}
	payload, err := r.auth.GetSession(ctx, token)
	if err != nil {
		slog.Debug("session lookup failed", "error", err)
		return nil
	}
	sess := Normalize(payload)
	if sess == nil {
		return nil
	}
	r.Adopt(ctx, sess)
	return sess
}

// Current returns the in-memory session without any network call.
func (r *Resolver) Current() *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Adopt installs sess as the current session and mirrors its tokens into
// both durable stores.
func (r *Resolver) Adopt(ctx context.Context, sess *domain.Session) {
	r.mu.Lock()
	r.current = sess
	r.mu.Unlock()
	r.persistTokens(ctx, Tokens{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
	})
}

// ScheduleRenewal arms a single timer that re-runs GetSession ahead of the
// session's expiry. Any previously armed timer is cancelled first: at most
// one renewal timer exists per resolver.
func (r *Resolver) ScheduleRenewal(sess *domain.Session) {
	delay := time.Until(sess.ExpiresAt) - r.margin
	if delay < 0 {
		delay = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renewTimer != nil {
		r.renewTimer.Stop()
	}
	r.renewTimer = time.AfterFunc(delay, func() {
		renewed := r.GetSession(context.Background())
		if renewed != nil {
			r.ScheduleRenewal(renewed)
		}
	})
}

// StopRenewal cancels any armed renewal timer.
func (r *Resolver) StopRenewal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renewTimer != nil {
		r.renewTimer.Stop()
		r.renewTimer = nil
	}
}

// RestoreSession recovers a session when the primary lookup returns nothing.
// The chain is tried in order and short-circuits on first success:
//  1. direct provider lookup
//  2. provider-native refresh
//  3. adoption of tokens from the durable store
//  4. adoption of tokens from the fallback store
func (r *Resolver) RestoreSession(ctx context.Context) *domain.Session {
	if sess := r.GetSession(ctx); sess != nil {
		return sess
	}

	if refreshToken := r.knownRefreshToken(ctx); refreshToken != "" {
		if payload, err := r.auth.RefreshSession(ctx, refreshToken); err == nil {
			if sess := Normalize(payload); sess != nil {
				r.Adopt(ctx, sess)
				return sess
			}
		} else {
			slog.Debug("session refresh failed", "error", err)
		}
	}

	for _, store := range []TokenStore{r.durable, r.fallback} {
		if store == nil {
			continue
		}
		tokens, ok, err := store.Load(ctx)
		if err != nil {
			slog.Warn("token store read failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		payload, err := r.auth.SetSession(ctx, tokens.AccessToken, tokens.RefreshToken)
		if err != nil {
			slog.Debug("stored token adoption failed", "error", err)
			continue
		}
		if sess := Normalize(payload); sess != nil {
			r.Adopt(ctx, sess)
			return sess
		}
	}
	return nil
}

// SignOut revokes the provider session, clears both token stores, stops the
// renewal timer and drops the in-memory session.
func (r *Resolver) SignOut(ctx context.Context) {
	token := ""
	if current := r.Current(); current != nil {
		token = current.AccessToken
	}
	if token != "" {
		if err := r.auth.SignOut(ctx, token); err != nil {
			slog.Warn("provider sign-out failed", "error", err)
		}
	}
	r.StopRenewal()
	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
	for _, store := range []TokenStore{r.durable, r.fallback} {
		if store == nil {
			continue
		}
		if err := store.Clear(ctx); err != nil {
			slog.Warn("token store clear failed", "error", err)
		}
	}
}

func (r *Resolver) knownRefreshToken(ctx context.Context) string {
	if current := r.Current(); current != nil && current.RefreshToken != "" {
		return current.RefreshToken
	}
	for _, store := range []TokenStore{r.durable, r.fallback} {
		if store == nil {
			continue
		}
		if tokens, ok, err := store.Load(ctx); err == nil && ok && tokens.RefreshToken != "" {
			return tokens.RefreshToken
		}
	}
	return ""
}

func (r *Resolver) persistTokens(ctx context.Context, tokens Tokens) {
	for _, store := range []TokenStore{r.durable, r.fallback} {
		if store == nil {
			continue
		}
		if err := store.Save(ctx, tokens); err != nil {
			slog.Warn("token store write failed", "error", err)
		}
	}
}

// Normalize converts a provider payload into a domain session, deriving the
// absolute expiry. When the provider omits the user id, email or expiry, the
// unverified JWT claims of the access token fill the gaps; verification is
// the backend's job, the client only needs the subject and timing.
func Normalize(payload authclient.SessionPayload) *domain.Session {
	if payload.AccessToken == "" {
		return nil
	}
	sess := &domain.Session{
		UserID:       payload.User.ID,
		Email:        payload.User.Email,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    time.Duration(payload.ExpiresIn) * time.Second,
	}
	if payload.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().Add(sess.ExpiresIn)
	}
	if sess.UserID == "" || sess.ExpiresAt.IsZero() || sess.Email == "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(payload.AccessToken, claims); err == nil {
			if sess.UserID == "" {
				if sub, err := claims.GetSubject(); err == nil {
					sess.UserID = sub
				}
			}
			if sess.Email == "" {
				if email, ok := claims["email"].(string); ok {
					sess.Email = email
				}
			}
			if sess.ExpiresAt.IsZero() {
				if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
					sess.ExpiresAt = exp.Time
					sess.ExpiresIn = time.Until(exp.Time)
				}
			}
		}
	}
	if sess.UserID == "" {
		return nil
	}
	return sess
}
