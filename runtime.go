package offlineruntime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-runtime/bus"
	"github.com/always-cache/offline-runtime/cache"
	"github.com/always-cache/offline-runtime/notify"
)

// ErrNoOrigin is returned by New when the origin URL is missing.
var ErrNoOrigin = errors.New("origin url is required")

// PushSubscription is the push subscription of the runtime.
type PushSubscription interface {
	Unsubscribe(ctx context.Context) error
}

// Runtime is the background layer shared by all browsing contexts of the dashboard:
// the proxy with its stores, the sweeper, the message bus and the notification dispatcher.
type Runtime struct {
	Proxy      *Proxy
	Bus        *bus.Bus
	Sweeper    *Sweeper
	Dispatcher *notify.Dispatcher

	config    Config
	origin    *url.URL
	cache     cache.Provider
	transport http.RoundTripper
	registry  *prometheus.Registry
	metrics   *Metrics
	log       zerolog.Logger

	mutex  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a runtime from the config. Nothing runs until Start.
func New(config Config) (*Runtime, error) {
	config.ApplyDefaults()
	origin, err := config.originURL()
	if err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("version", config.Version).Logger()

	provider := config.Cache
	if provider == nil {
		if provider, err = OpenProvider(config); err != nil {
			return nil, fmt.Errorf("open cache provider: %w", err)
		}
	}
	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	r := &Runtime{
		config:    config,
		origin:    origin,
		cache:     provider,
		transport: transport,
		registry:  registry,
		metrics:   NewMetrics(registry),
		log:       logger,
	}
	r.Bus = bus.New(bus.Options{Logger: &logger})
	r.Proxy = CreateProxy(ProxyConfig{
		Cache:           provider,
		Origin:          *origin,
		Transport:       transport,
		Bus:             r.Bus,
		Rules:           config.Rules,
		APIPrefix:       config.APIPrefix,
		StaticPrefix:    config.StaticPrefix,
		StaticStore:     config.StaticStore(),
		APIStore:        config.APIStore(),
		OfflineDocument: config.OfflineDocument,
		Clock:           config.Clock,
		Logger:          &logger,
		Metrics:         r.metrics,
	})
	r.Sweeper = &Sweeper{
		Cache:    provider,
		Store:    config.APIStore(),
		MaxAge:   config.Sweep.MaxAge,
		Interval: config.Sweep.Interval,
		Clock:    config.Clock,
		Logger:   &logger,
		Metrics:  r.metrics,
	}
	renderer := config.Renderer
	if renderer == nil {
		renderer = notify.BusRenderer{Bus: r.Bus}
	}
	opener := config.Opener
	if opener == nil {
		opener = notify.LogOpener{Logger: &logger}
	}
	r.Dispatcher = notify.NewDispatcher(notify.Config{
		Origin:   *origin,
		Renderer: renderer,
		Opener:   opener,
		Clients:  r.Bus,
		Clock:    config.Clock,
		Logger:   &logger,
	})

	r.Bus.Handle(bus.AuthStatus, r.onAuthStatus)
	r.Bus.Handle(bus.ActivateNow, r.onActivateNow)
	return r, nil
}

// Registry returns the metrics registry of the runtime.
func (r *Runtime) Registry() *prometheus.Registry {
	return r.registry
}

// Start installs and activates the current version and starts the sweeper.
func (r *Runtime) Start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.cancel != nil {
		return errors.New("runtime already started")
	}
	if err := r.Install(ctx); err != nil {
		return err
	}
	if err := r.Activate(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Sweeper.Run(ctx)
	}()
	r.log.Info().Str("origin", r.origin.String()).Msg("Runtime started")
	return nil
}

// Close stops the background processes and closes the cache provider.
func (r *Runtime) Close() error {
	r.mutex.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mutex.Unlock()
	r.wg.Wait()
	r.Proxy.Close()
	return r.cache.Close()
}

// Install fetches the precache list into the static store.
// Failures of single files are logged and do not fail the install.
func (r *Runtime) Install(ctx context.Context) error {
	paths := append([]string(nil), r.config.Precache...)
	paths = append(paths, r.config.OfflineDocument)
	seen := make(map[string]bool)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ok := r.precache(ctx, path)
			r.metrics.precache(ok)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runtime) precache(ctx context.Context, path string) bool {
	fp := r.Proxy.keyer.Path(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fp.URL, nil)
	if err != nil {
		r.log.Error().Err(err).Str("path", path).Msg("Could not create precache request")
		return false
	}
	res, err := r.transport.RoundTrip(req)
	if err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("Could not precache")
		return false
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		r.log.Warn().Int("code", res.StatusCode).Str("path", path).Msg("Could not precache")
		return false
	}
	if !r.Proxy.store(r.config.StaticStore(), fp, res) {
		return false
	}
	r.log.Debug().Str("path", path).Msg("Precached")
	return true
}

// Activate deletes every store that does not belong to the current version.
func (r *Runtime) Activate(ctx context.Context) error {
	names, err := r.cache.Stores()
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	current := map[string]bool{
		r.config.StaticStore(): true,
		r.config.APIStore():    true,
	}
	for _, name := range names {
		if current[name] {
			continue
		}
		r.log.Info().Str("store", name).Msg("Deleting old store")
		if err := r.cache.DeleteStore(name); err != nil {
			r.log.Error().Err(err).Str("store", name).Msg("Could not delete old store")
		}
	}
	return nil
}

// onAuthStatus cancels the push subscription and clears the API store when a context reports logout.
// A message without the flag counts as logged out.
func (r *Runtime) onAuthStatus(ctx context.Context, ev bus.Event) error {
	if ev.Authenticated != nil && *ev.Authenticated {
		return nil
	}
	if push := r.config.Push; push != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := push.Unsubscribe(ctx); err != nil {
				r.log.Warn().Err(err).Msg("Could not remove push subscription")
				return
			}
			r.log.Info().Msg("Push subscription removed")
		}()
	}
	return r.cache.DeleteStore(r.config.APIStore())
}

func (r *Runtime) onActivateNow(ctx context.Context, ev bus.Event) error {
	r.log.Info().Msg("Activation requested")
	return r.Activate(ctx)
}

// Push dispatches an inbound push payload.
func (r *Runtime) Push(ctx context.Context, raw []byte) error {
	return r.Dispatcher.Dispatch(ctx, raw)
}
