package profile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crewassist/internal/dataclient"
	"crewassist/internal/session"
	"crewassist/pkg/domain"
)

// DefaultQueryTimeout bounds each profile query so an unresponsive backend
// fails the attempt instead of stalling the app shell.
const DefaultQueryTimeout = 15 * time.Second

// State is the loader's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateResolved
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateResolved:
		return "resolved"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config wires the loader's collaborators.
type Config struct {
	Sessions *session.Resolver
	Data     *dataclient.Client
	Cache    *Cache
	Nav      domain.Navigator
	Notify   domain.Notifier
	// QueryTimeout defaults to DefaultQueryTimeout when zero.
	QueryTimeout time.Duration
}

// Loader resolves the authenticated user's profile exactly once per mount.
// All transitions run through a single guarded transition function; a
// re-entrant Load while a load is in flight is ignored.
type Loader struct {
	sessions *session.Resolver
	data     *dataclient.Client
	cache    *Cache
	nav      domain.Navigator
	notify   domain.Notifier
	timeout  time.Duration

	mu               sync.Mutex
	state            State
	profile          domain.Profile
	err              error
	notFoundNotified bool
}

// NewLoader constructs a Loader from cfg.
func NewLoader(cfg Config) *Loader {
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Loader{
		sessions: cfg.Sessions,
		data:     cfg.Data,
		cache:    cfg.Cache,
		nav:      cfg.Nav,
		notify:   cfg.Notify,
		timeout:  timeout,
	}
}

// State returns the current lifecycle state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Profile returns the resolved profile; valid only in StateResolved.
func (l *Loader) Profile() domain.Profile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile
}

// Err returns the load error; valid only in StateError.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Reset is the manual-retry transition: it atomically clears the cache, the
// guard and any error so the next Load starts fresh. The one-shot not-found
// notice is deliberately not reset.
func (l *Loader) Reset() {
	l.cache.Clear()
	l.mu.Lock()
	l.state = StateIdle
	l.profile = domain.Profile{}
	l.err = nil
	l.mu.Unlock()
}

// Load resolves the current user's profile. ctx should be bound to the
// caller's lifetime: when it is cancelled, in-flight work is aborted and no
// state transition is applied afterwards.
func (l *Loader) Load(ctx context.Context) {
	if !l.begin() {
		return
	}

	// Cache check always precedes any network lookup.
	if snap, ok := l.cache.Get(); ok {
		l.finishResolved(ctx, snap.Profile)
		return
	}

	sess := l.sessions.GetSession(ctx)
	if sess == nil {
		// A cancelled ctx also reads as "no session" here; a torn-down load
		// must not redirect the user.
		if ctx.Err() != nil {
			return
		}
		l.cache.Clear()
		l.finishError(ctx, domain.ErrNoSession)
		l.nav.GoToSignIn(domain.FlowIdle{})
		return
	}

	prof, found, err := l.queryByID(ctx, sess.AccessToken, sess.UserID)
	if err != nil {
		l.fail(ctx, err)
		return
	}
	if found {
		prof, err = l.maybeReactivate(ctx, sess.AccessToken, prof)
		if err != nil {
			l.fail(ctx, err)
			return
		}
		l.resolve(ctx, sess, prof)
		return
	}

	if sess.Email != "" {
		prof, found, err = l.queryByEmail(ctx, sess.AccessToken, sess.Email)
		if err != nil {
			l.fail(ctx, err)
			return
		}
		if found {
			prof, err = l.maybeReactivate(ctx, sess.AccessToken, prof)
			if err != nil {
				l.fail(ctx, err)
				return
			}
			if prof.ID != sess.UserID {
				prof, err = l.repairDrift(ctx, sess, prof)
				if err != nil {
					l.fail(ctx, err)
					return
				}
			}
			l.resolve(ctx, sess, prof)
			return
		}
	}

	// Absent by both keys.
	if ctx.Err() != nil {
		return
	}
	l.cache.Clear()
	l.finishError(ctx, domain.ErrProfileNotFound)
	l.notifyNotFoundOnce()
}

// begin transitions Idle/Error -> Loading. It returns false when a load is
// already in flight or the profile is already resolved.
func (l *Loader) begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateLoading || l.state == StateResolved {
		return false
	}
	l.state = StateLoading
	l.err = nil
	return true
}

func (l *Loader) queryByID(ctx context.Context, token, id string) (domain.Profile, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.data.GetProfileByID(queryCtx, token, id)
}

func (l *Loader) queryByEmail(ctx context.Context, token, email string) (domain.Profile, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.data.GetProfileByEmail(queryCtx, token, email)
}

// maybeReactivate transparently revives a soft-deleted profile: status back
// to active, plan reset to the default tier, query counter zeroed.
func (l *Loader) maybeReactivate(ctx context.Context, token string, prof domain.Profile) (domain.Profile, error) {
	if prof.AccountStatus != domain.AccountDeleted {
		return prof, nil
	}
	queryCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	revived, err := l.data.ReactivateProfile(queryCtx, token, prof.ID)
	if err != nil {
		return domain.Profile{}, err
	}
	slog.Info("reactivated soft-deleted profile", "profile_id", revived.ID)
	go func() {
		bgCtx, bgCancel := context.WithTimeout(context.Background(), l.timeout)
		defer bgCancel()
		if err := l.data.InvokeFunction(bgCtx, token, "send-reactivation-email", map[string]string{"email": revived.Email}); err != nil {
			slog.Warn("reactivation email failed", "error", err)
		}
	}()
	return revived, nil
}

// repairDrift rewrites the email-matched row's id to the session's user id,
// then re-queries by id for the authoritative row.
func (l *Loader) repairDrift(ctx context.Context, sess *domain.Session, prof domain.Profile) (domain.Profile, error) {
	queryCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if _, err := l.data.UpdateProfileID(queryCtx, sess.AccessToken, prof.ID, sess.UserID); err != nil {
		return domain.Profile{}, err
	}
	repaired, found, err := l.queryByID(ctx, sess.AccessToken, sess.UserID)
	if err != nil {
		return domain.Profile{}, err
	}
	if !found {
		return domain.Profile{}, domain.ErrProfileNotFound
	}
	return repaired, nil
}

func (l *Loader) resolve(ctx context.Context, sess *domain.Session, prof domain.Profile) {
	l.cache.Put(Snapshot{Profile: prof, UserID: sess.UserID, Email: sess.Email})
	l.finishResolved(ctx, prof)
}

// fail routes an error to the right terminal handling. A cancelled context
// means the caller was torn down: no state is touched.
func (l *Loader) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	l.cache.Clear()
	if errors.Is(err, domain.ErrAuthExpired) {
		l.finishError(ctx, err)
		l.nav.GoToSignIn(domain.FlowIdle{})
		return
	}
	l.finishError(ctx, err)
}

func (l *Loader) finishResolved(ctx context.Context, prof domain.Profile) {
	if ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	l.state = StateResolved
	l.profile = prof
	l.err = nil
	l.mu.Unlock()
}

func (l *Loader) finishError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	l.state = StateError
	l.err = err
	l.mu.Unlock()
}

// notifyNotFoundOnce surfaces the missing-profile outcome a single time,
// even across manual retries.
func (l *Loader) notifyNotFoundOnce() {
	l.mu.Lock()
	already := l.notFoundNotified
	l.notFoundNotified = true
	l.mu.Unlock()
	if already {
		return
	}
	l.notify.Notice("We couldn't find an account profile for this user.")
	l.nav.GoToOnboarding(domain.FlowAwaitingProfileCompletion{})
}
