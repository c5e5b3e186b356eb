// Package session keeps a browsing context authenticated.
//
// The credential itself lives in the HTTP client's cookie jar and is never read here.
// The manager refreshes it at most once at a time, retries unauthorized calls once,
// and asks the user to confirm the session after a period of inactivity.
package session

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/offline-runtime/bus"
)

type State int

const (
	Idle State = iota
	Refreshing
	LoggedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	case LoggedOut:
		return "logged-out"
	}
	return "unknown"
}

const (
	MePath      = "/api/auth/me"
	RefreshPath = "/api/auth/refresh"
	LogoutPath  = "/api/auth/logout"
	LoginPath   = "/login"

	CSRFHeader        = "X-CSRF-Token"
	DeviceTokenHeader = "X-Device-Token"
)

// Bus carries events to the other contexts and to the runtime.
type Bus interface {
	Broadcast(ev bus.Event) int
	Post(ctx context.Context, ev bus.Event)
}

// Navigator is the page the context shows.
type Navigator interface {
	// Path returns the path of the current page.
	Path() string
	Navigate(target string)
}

// Confirmer asks the user whether to stay logged in. It blocks until the user decides.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// PushSubscription is the background push subscription of the context.
type PushSubscription interface {
	Unsubscribe(ctx context.Context) error
}

type Config struct {
	// Base URL of the application origin.
	BaseURL string
	// Client for all calls. Normally its transport is the proxy and it holds the cookie jar.
	Client *http.Client
	Bus    Bus
	// ID of the browsing context, for logging.
	ContextID string
	// Non-sensitive session artifacts. A new MemArtifacts if nil.
	Artifacts Artifacts
	// Cross-context refresh lock. A new LocalLock if nil.
	Lock      RefreshLock
	Navigator Navigator
	Push      PushSubscription
	Confirm   Confirmer
	// Device credential, mutually exclusive with the anti-forgery header.
	DeviceToken string
	// Installed app: a refresh that fails on the network is confirmed with an identity check.
	Installed bool
	// Poll interval while another context refreshes. Defaults to 100ms.
	PollInterval time.Duration
	// Interval of the periodic session check. Defaults to 10 minutes.
	CheckInterval time.Duration
	// Inactivity before the user is asked to confirm. Defaults to 60 minutes.
	InactivityTimeout time.Duration
	// Logger to use. A console logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *Metrics
}

type Manager struct {
	baseURL           *url.URL
	client            *http.Client
	bus               Bus
	artifacts         Artifacts
	lock              RefreshLock
	navigator         Navigator
	push              PushSubscription
	confirm           Confirmer
	deviceToken       string
	installed         bool
	pollInterval      time.Duration
	checkInterval     time.Duration
	inactivityTimeout time.Duration
	log               zerolog.Logger
	metrics           *Metrics

	mutex    sync.Mutex
	state    State
	flight   singleflight.Group
	activity chan struct{}
}

func NewManager(config Config) (*Manager, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, err
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	m := &Manager{
		baseURL:           base,
		client:            config.Client,
		bus:               config.Bus,
		artifacts:         config.Artifacts,
		lock:              config.Lock,
		navigator:         config.Navigator,
		push:              config.Push,
		confirm:           config.Confirm,
		deviceToken:       config.DeviceToken,
		installed:         config.Installed,
		pollInterval:      config.PollInterval,
		checkInterval:     config.CheckInterval,
		inactivityTimeout: config.InactivityTimeout,
		log:               logger.With().Str("component", "session").Str("context", config.ContextID).Logger(),
		metrics:           config.Metrics,
		activity:          make(chan struct{}, 1),
	}
	if m.client == nil {
		m.client = &http.Client{}
	}
	if m.artifacts == nil {
		m.artifacts = NewMemArtifacts()
	}
	if m.lock == nil {
		m.lock = NewLocalLock()
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 100 * time.Millisecond
	}
	if m.checkInterval <= 0 {
		m.checkInterval = 10 * time.Minute
	}
	if m.inactivityTimeout <= 0 {
		m.inactivityTimeout = 60 * time.Minute
	}
	return m, nil
}

func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mutex.Lock()
	prev := m.state
	m.state = s
	m.mutex.Unlock()
	if prev != s {
		m.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("Session state")
	}
}

// endpoint resolves a path on the origin.
func (m *Manager) endpoint(path string) string {
	return m.baseURL.ResolveReference(&url.URL{Path: path}).String()
}

// LoginURL returns the login page URL that leads back to path.
func LoginURL(path string) string {
	return LoginPath + "?next=" + strings.ReplaceAll(url.QueryEscape(path), "+", "%20")
}

func (m *Manager) redirectToLogin() {
	if m.navigator == nil {
		m.log.Warn().Msg("No navigator, cannot redirect to login")
		return
	}
	m.navigator.Navigate(LoginURL(m.navigator.Path()))
}

// DeviceTokenFromURL returns the device_token query parameter of a page URL.
func DeviceTokenFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("device_token")
}

// offline reports whether the response was produced without reaching the origin.
func offline(res *http.Response) bool {
	return strings.Contains(res.Header.Get("Cache-Status"), "detail=offline")
}
