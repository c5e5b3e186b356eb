package offlineruntime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-runtime/bus"
	"github.com/always-cache/offline-runtime/cache"
	"github.com/always-cache/offline-runtime/session"
)

type recordingNavigator struct {
	mu      sync.Mutex
	targets []string
}

func (n *recordingNavigator) Path() string {
	return "/dashboard"
}

func (n *recordingNavigator) Navigate(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
}

// sessionOrigin is a dashboard backend with an auth API.
type sessionOrigin struct {
	router        *chi.Mux
	dataCalls     atomic.Int32
	refreshCalls  atomic.Int32
	refreshStatus int
	// calls to /api/data answered with 401 before it answers 200
	unauthorized int32
}

func newSessionOrigin(refreshStatus int, unauthorized int32) *sessionOrigin {
	o := &sessionOrigin{router: chi.NewRouter(), refreshStatus: refreshStatus, unauthorized: unauthorized}
	o.router.Get("/api/data", func(w http.ResponseWriter, r *http.Request) {
		if o.dataCalls.Add(1) <= o.unauthorized {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"jobs":[]}`))
	})
	o.router.Post("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		o.refreshCalls.Add(1)
		w.WriteHeader(o.refreshStatus)
		if o.refreshStatus == http.StatusOK {
			w.Write([]byte(`{"csrf_token":"fresh"}`))
		}
	})
	o.router.Get("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user":"operator"}`))
	})
	return o
}

type sessionStack struct {
	proxy   *Proxy
	cache   cache.Provider
	network *switchTransport
	manager *session.Manager
	nav     *recordingNavigator
	events  *bus.Client
}

func newSessionStack(t *testing.T, origin *sessionOrigin, installed bool) *sessionStack {
	t.Helper()
	logger := zerolog.Nop()
	b := bus.New(bus.Options{Logger: &logger, Buffer: 64})
	s := &sessionStack{
		cache:   cache.NewMemCache(),
		network: &switchTransport{next: HandlerTransport{Handler: origin.router}},
		nav:     &recordingNavigator{},
		events:  b.Attach("https://printer.local/dashboard"),
	}
	s.proxy = CreateProxy(ProxyConfig{
		Cache:     s.cache,
		Origin:    *testOrigin,
		Transport: s.network,
		Bus:       b,
		Logger:    &logger,
	})
	t.Cleanup(s.proxy.Close)
	m, err := session.NewManager(session.Config{
		BaseURL:   testOrigin.String(),
		Client:    &http.Client{Transport: s.proxy},
		Bus:       b,
		Navigator: s.nav,
		Installed: installed,
		Logger:    &logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.manager = m
	return s
}

// kinds drains the events delivered so far and counts them by kind.
func (s *sessionStack) kinds() map[bus.Kind]int {
	counts := make(map[bus.Kind]int)
	for {
		select {
		case ev := <-s.events.Events():
			counts[ev.Kind]++
		default:
			return counts
		}
	}
}

func (s *sessionStack) call(t *testing.T, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("GET", testOrigin.String()+path, nil)
	res, err := s.manager.Do(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	return res
}

func TestSessionRevokedThroughProxy(t *testing.T) {
	origin := newSessionOrigin(http.StatusUnauthorized, 100)
	s := newSessionStack(t, origin, false)

	if res := s.call(t, "/api/data"); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if res := s.call(t, "/api/data"); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Status is %d", res.StatusCode)
	}

	if s.manager.State() != session.LoggedOut {
		t.Fatalf("State is %s", s.manager.State())
	}
	if n := origin.dataCalls.Load(); n != 2 {
		t.Fatalf("Origin saw %d data calls, call was retried", n)
	}
	if n := origin.refreshCalls.Load(); n != 1 {
		t.Fatalf("Origin saw %d refresh calls", n)
	}
	kinds := s.kinds()
	if kinds[bus.AuthRevoked] != 1 {
		t.Fatalf("AUTH_REVOKED broadcast %d times", kinds[bus.AuthRevoked])
	}
	if kinds[bus.AuthExpired] == 0 {
		t.Fatal("AUTH_EXPIRED was not broadcast")
	}
	s.nav.mu.Lock()
	defer s.nav.mu.Unlock()
	if len(s.nav.targets) != 1 || !strings.HasPrefix(s.nav.targets[0], "/login") {
		t.Fatalf("Navigated to %v", s.nav.targets)
	}
}

func TestSessionRefreshedThroughProxy(t *testing.T) {
	origin := newSessionOrigin(http.StatusOK, 1)
	s := newSessionStack(t, origin, false)

	if res := s.call(t, "/api/data"); res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if n := origin.refreshCalls.Load(); n != 1 {
		t.Fatalf("Origin saw %d refresh calls", n)
	}
	if s.manager.State() != session.Idle {
		t.Fatalf("State is %s", s.manager.State())
	}
	kinds := s.kinds()
	if kinds[bus.AuthExpired] != 1 || kinds[bus.AuthRevoked] != 0 {
		t.Fatalf("Events are %v", kinds)
	}
}

func TestStoredIdentityDoesNotConfirmSessionOffline(t *testing.T) {
	origin := newSessionOrigin(http.StatusOK, 0)
	s := newSessionStack(t, origin, true)

	req, _ := http.NewRequest("GET", testOrigin.String()+session.MePath, nil)
	res, err := s.proxy.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	me := cache.Fingerprint{Method: "GET", URL: testOrigin.String() + session.MePath}
	if _, ok := s.cache.Get("api-cache-v2", me); !ok {
		t.Fatal("Identity was not stored")
	}

	s.network.offline.Store(true)
	if s.manager.Restore(context.Background()) {
		t.Fatal("Session confirmed from the API store")
	}
	if s.manager.State() == session.LoggedOut {
		t.Fatal("Offline restore logged the session out")
	}
	if n := origin.refreshCalls.Load(); n != 0 {
		t.Fatalf("Origin saw %d refresh calls while offline", n)
	}
	if _, ok := s.cache.Get("api-cache-v2", me); !ok {
		t.Fatal("Stored identity was dropped")
	}
}
