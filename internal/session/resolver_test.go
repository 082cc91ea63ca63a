package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crewassist/internal/authclient"
	"crewassist/pkg/domain"
)

func sessionExpiringIn(d time.Duration) *domain.Session {
	return &domain.Session{
		UserID:      "user-1",
		AccessToken: "acc-1",
		ExpiresAt:   time.Now().Add(d),
	}
}

func sessionPayload(userID, email, access, refresh string, expiresIn int64) map[string]any {
	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    expiresIn,
		"user":          map[string]string{"id": userID, "email": email},
	}
}

func TestGetSessionPersistsTokensToBothStores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/auth/session" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(sessionPayload("user-1", "crew@example.com", "acc-1", "ref-1", 3600))
	}))
	defer srv.Close()

	dir := t.TempDir()
	durable, err := NewSQLiteStore(filepath.Join(dir, "tokens.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer durable.Close()
	fallback := NewFileStore(filepath.Join(dir, "tokens.json"))

	resolver := NewResolver(Config{
		Auth:     authclient.NewClient(srv.URL),
		Durable:  durable,
		Fallback: fallback,
	})
	ctx := context.Background()
	sess := resolver.GetSession(ctx)
	if sess == nil {
		t.Fatal("expected session")
	}
	if sess.UserID != "user-1" || sess.AccessToken != "acc-1" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.ExpiresAt.Before(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("expiry not derived from expires_in: %v", sess.ExpiresAt)
	}

	for name, store := range map[string]TokenStore{"durable": durable, "fallback": fallback} {
		tokens, ok, err := store.Load(ctx)
		if err != nil || !ok {
			t.Fatalf("%s store: ok=%v err=%v", name, ok, err)
		}
		if tokens.AccessToken != "acc-1" || tokens.RefreshToken != "ref-1" {
			t.Fatalf("%s store holds %+v", name, tokens)
		}
	}
}

func TestGetSessionSwallowsProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resolver := NewResolver(Config{Auth: authclient.NewClient(srv.URL)})
	if sess := resolver.GetSession(context.Background()); sess != nil {
		t.Fatalf("provider failure must read as no session, got %+v", sess)
	}
}

func TestRestoreSessionShortCircuitsOnDirectLookup(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(sessionPayload("user-1", "crew@example.com", "acc-1", "ref-1", 3600))
	}))
	defer srv.Close()

	resolver := NewResolver(Config{Auth: authclient.NewClient(srv.URL)})
	if sess := resolver.RestoreSession(context.Background()); sess == nil {
		t.Fatal("expected restored session")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("chain must short-circuit after the direct lookup, got %d calls", got)
	}
}

func TestRestoreSessionFallsBackToStoredTokens(t *testing.T) {
	var mu sync.Mutex
	var visited []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		visited = append(visited, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/auth/session":
			w.WriteHeader(http.StatusUnauthorized)
		case r.Method == http.MethodPost && r.URL.Path == "/auth/token":
			// Provider-native refresh is also dead.
			w.WriteHeader(http.StatusUnauthorized)
		case r.Method == http.MethodPost && r.URL.Path == "/auth/session":
			var payload map[string]string
			_ = json.NewDecoder(r.Body).Decode(&payload)
			if payload["access_token"] != "stored-acc" || payload["refresh_token"] != "stored-ref" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(sessionPayload("user-1", "crew@example.com", "acc-2", "ref-2", 3600))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	durable, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer durable.Close()
	ctx := context.Background()
	if err := durable.Save(ctx, Tokens{AccessToken: "stored-acc", RefreshToken: "stored-ref"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	resolver := NewResolver(Config{Auth: authclient.NewClient(srv.URL), Durable: durable})
	sess := resolver.RestoreSession(ctx)
	if sess == nil {
		t.Fatal("expected session restored from durable tokens")
	}
	if sess.AccessToken != "acc-2" {
		t.Fatalf("expected rotated access token, got %+v", sess)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"GET /auth/session?",
		"POST /auth/token?grant_type=refresh_token",
		"POST /auth/session?",
	}
	if len(visited) != len(want) {
		t.Fatalf("expected chain %v, got %v", want, visited)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("step %d: expected %q, got %q (full: %v)", i, want[i], visited[i], visited)
		}
	}
}

func TestRestoreSessionUsesFallbackStoreLast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/auth/session" {
			var payload map[string]string
			_ = json.NewDecoder(r.Body).Decode(&payload)
			if payload["access_token"] == "cookie-acc" {
				_ = json.NewEncoder(w).Encode(sessionPayload("user-1", "crew@example.com", "acc-3", "ref-3", 3600))
				return
			}
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	fallback := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	ctx := context.Background()
	if err := fallback.Save(ctx, Tokens{AccessToken: "cookie-acc", RefreshToken: "cookie-ref"}); err != nil {
		t.Fatalf("seed fallback: %v", err)
	}

	resolver := NewResolver(Config{Auth: authclient.NewClient(srv.URL), Fallback: fallback})
	sess := resolver.RestoreSession(ctx)
	if sess == nil || sess.AccessToken != "acc-3" {
		t.Fatalf("expected session from fallback tokens, got %+v", sess)
	}
}

func TestScheduleRenewalKeepsSingleTimer(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/auth/session" {
			atomic.AddInt32(&calls, 1)
			_ = json.NewEncoder(w).Encode(sessionPayload("user-1", "crew@example.com", "acc-1", "ref-1", 3600))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	resolver := NewResolver(Config{
		Auth:          authclient.NewClient(srv.URL),
		RenewalMargin: time.Millisecond,
	})
	defer resolver.StopRenewal()

	resolver.ScheduleRenewal(sessionExpiringIn(80 * time.Millisecond))
	resolver.ScheduleRenewal(sessionExpiringIn(250 * time.Millisecond))

	// If the first timer survived the reschedule it would fire inside this
	// window.
	time.Sleep(160 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("cancelled timer fired: %d renewal calls", got)
	}
	time.Sleep(250 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one renewal, got %d", got)
	}
}

func TestSignOutClearsStateAndStores(t *testing.T) {
	var logoutCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/auth/session":
			_ = json.NewEncoder(w).Encode(sessionPayload("user-1", "crew@example.com", "acc-1", "ref-1", 3600))
		case r.Method == http.MethodPost && r.URL.Path == "/auth/logout":
			atomic.AddInt32(&logoutCalls, 1)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fallback := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	resolver := NewResolver(Config{Auth: authclient.NewClient(srv.URL), Fallback: fallback})
	ctx := context.Background()
	if sess := resolver.GetSession(ctx); sess == nil {
		t.Fatal("expected session")
	}

	resolver.SignOut(ctx)
	if got := atomic.LoadInt32(&logoutCalls); got != 1 {
		t.Fatalf("expected one provider sign-out, got %d", got)
	}
	if resolver.Current() != nil {
		t.Fatal("current session must be dropped")
	}
	if _, ok, _ := fallback.Load(ctx); ok {
		t.Fatal("token store must be cleared on sign-out")
	}
}
