package offlineruntime

import (
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-runtime/bus"
	"github.com/always-cache/offline-runtime/cache"
	cachekey "github.com/always-cache/offline-runtime/pkg/cache-key"
	cacheupdate "github.com/always-cache/offline-runtime/pkg/cache-update"
	routepolicy "github.com/always-cache/offline-runtime/pkg/route-policy"
)

// Broadcaster delivers an event to every attached browsing context.
type Broadcaster interface {
	Broadcast(ev bus.Event) int
}

type ProxyConfig struct {
	// Storage for both stores.
	Cache cache.Provider
	// URL of the application origin.
	// Origins with paths are not supported.
	Origin url.URL
	// Transport used to reach the network. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Receives AUTH_EXPIRED. Optional.
	Bus Broadcaster
	// Route rules. The default rules for the prefixes are used if empty.
	Rules        routepolicy.Rules
	APIPrefix    string
	StaticPrefix string
	// Store names.
	StaticStore string
	APIStore    string
	// Path of the pre-cached offline document in the static store.
	OfflineDocument string
	// Time source for stored entries. time.Now if nil.
	Clock func() time.Time
	// Logger to use. A console logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Proxy intercepts outbound requests of the dashboard and applies the route strategy.
// It implements both http.RoundTripper and http.Handler.
type Proxy struct {
	cache       cache.Provider
	origin      url.URL
	transport   http.RoundTripper
	bus         Broadcaster
	rules       routepolicy.Rules
	keyer       cachekey.Keyer
	staticStore string
	apiStore    string
	offlineDoc  string
	now         func() time.Time
	log         zerolog.Logger
	metrics     *Metrics

	// pending delayed updates, stopped by Close
	mutex   sync.Mutex
	closed  bool
	done    chan struct{}
	updates sync.WaitGroup
}

// CreateProxy initializes the proxy.
func CreateProxy(config ProxyConfig) *Proxy {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.Origin.String()).
		Logger()

	p := &Proxy{
		cache:       config.Cache,
		origin:      config.Origin,
		transport:   config.Transport,
		bus:         config.Bus,
		rules:       config.Rules,
		staticStore: config.StaticStore,
		apiStore:    config.APIStore,
		offlineDoc:  config.OfflineDocument,
		now:         config.Clock,
		log:         logger,
		metrics:     config.Metrics,
		done:        make(chan struct{}),
	}
	p.keyer = cachekey.NewKeyer(&p.origin)
	if p.transport == nil {
		p.transport = http.DefaultTransport
	}
	if config.APIPrefix == "" {
		config.APIPrefix = DefaultAPIPrefix
	}
	if config.StaticPrefix == "" {
		config.StaticPrefix = DefaultStaticPrefix
	}
	if len(p.rules) == 0 {
		p.rules = routepolicy.DefaultRules(config.APIPrefix, config.StaticPrefix)
	}
	if p.staticStore == "" {
		p.staticStore = StoreName(DefaultStaticStore, DefaultVersion)
	}
	if p.apiStore == "" {
		p.apiStore = StoreName(DefaultAPIStore, DefaultVersion)
	}
	if p.offlineDoc == "" {
		p.offlineDoc = DefaultOfflineDocument
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// RoundTrip implements http.RoundTripper.
// Transport errors of same-origin requests never escape: they turn into a stored or a synthesized response.
func (p *Proxy) RoundTrip(req *http.Request) (res *http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithLevel(zerolog.PanicLevel).Interface("error", r).Str("url", req.URL.String()).Msg("Panic in proxy")
			res, err = p.escapeHatch(req)
		}
	}()

	strategy := p.rules.Classify(req, &p.origin)
	p.log.Trace().Str("strategy", string(strategy)).Msgf("Incoming request: %s %s", req.Method, req.URL.String())

	var cs CacheStatus
	switch strategy {
	case routepolicy.NetworkFirstAPI:
		res = p.networkFirstAPI(req, &cs)
	case routepolicy.NetworkFirstDocument:
		res = p.networkFirstDocument(req, &cs)
	case routepolicy.CacheFirst:
		res = p.cacheFirst(req, &cs)
	case routepolicy.Navigate:
		res = p.navigate(req, &cs)
	default:
		// no store interaction and no fallback
		return p.transport.RoundTrip(req)
	}
	res.Header.Set("Cache-Status", cs.String())
	p.logResponse(req, res, strategy, &cs)
	p.metrics.response(strategy, &cs)
	return res, nil
}

// escapeHatch passes safe requests straight to the network.
// Unsafe requests may already have reached the origin and are never sent twice.
func (p *Proxy) escapeHatch(req *http.Request) (*http.Response, error) {
	if isSafe(req.Method) {
		res, err := p.transport.RoundTrip(req)
		if err == nil {
			return res, nil
		}
		p.log.Error().Err(err).Msg("Error connecting to origin")
	}
	var cs CacheStatus
	cs.Forward(CacheStatusFwdRequest)
	cs.Detail(CacheStatusDetailOffline)
	res := p.offlineResponse(req)
	res.Header.Set("Cache-Status", cs.String())
	return res, nil
}

func (p *Proxy) networkFirstAPI(req *http.Request, cs *CacheStatus) *http.Response {
	fp := p.keyer.Fingerprint(req)
	cs.Forward(CacheStatusFwdRequest)
	if !isSafe(req.Method) {
		cs.Forward(CacheStatusFwdMethod)
	}

	res, err := p.transport.RoundTrip(req)
	if err != nil {
		p.log.Debug().Err(err).Str("key", fp.String()).Msg("Network failure, trying API store")
		cs.Detail(CacheStatusDetailOffline)
		if req.Method == http.MethodGet {
			if e, ok := p.cache.Get(p.apiStore, fp); ok {
				cs.Hit()
				return e.Response(req)
			}
		}
		return p.offlineResponse(req)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		p.expire()
	case res.StatusCode == http.StatusOK && req.Method == http.MethodGet:
		if p.store(p.apiStore, fp, res) {
			cs.Stored()
		}
	case !isSafe(req.Method) && res.StatusCode < http.StatusBadRequest:
		p.invalidate(req, res)
		p.saveUpdates(cacheupdate.GetCacheUpdates(req, res))
	}
	return res
}

// expire clears the API store and tells every context that the credential expired.
// The store is gone before the 401 reaches the caller.
func (p *Proxy) expire() {
	p.log.Info().Str("store", p.apiStore).Msg("Unauthorized, clearing API store")
	if err := p.cache.DeleteStore(p.apiStore); err != nil {
		p.log.Error().Err(err).Str("store", p.apiStore).Msg("Could not clear API store")
	}
	p.metrics.expired()
	if p.bus != nil {
		p.bus.Broadcast(bus.Event{Kind: bus.AuthExpired, Timestamp: p.now().UnixMilli()})
	}
}

func (p *Proxy) networkFirstDocument(req *http.Request, cs *CacheStatus) *http.Response {
	fp := p.keyer.Fingerprint(req)
	cs.Forward(CacheStatusFwdRequest)

	res, err := p.transport.RoundTrip(req)
	if err == nil {
		if res.StatusCode == http.StatusOK {
			if p.store(p.staticStore, fp, res) {
				cs.Stored()
			}
		}
		return res
	}

	p.log.Debug().Err(err).Str("key", fp.String()).Msg("Network failure, trying static store")
	cs.Detail(CacheStatusDetailOffline)
	if e, ok := p.cache.Get(p.staticStore, fp); ok {
		cs.Hit()
		return e.Response(req)
	}
	return p.offlineDocument(req)
}

func (p *Proxy) cacheFirst(req *http.Request, cs *CacheStatus) *http.Response {
	fp := p.keyer.Fingerprint(req)
	if e, ok := p.cache.Get(p.staticStore, fp); ok {
		cs.Hit()
		return e.Response(req)
	}
	cs.Forward(CacheStatusFwdUriMiss)

	res, err := p.transport.RoundTrip(req)
	if err == nil {
		if res.StatusCode == http.StatusOK {
			if p.store(p.staticStore, fp, res) {
				cs.Stored()
			}
		}
		return res
	}

	p.log.Debug().Err(err).Str("key", fp.String()).Msg("Network failure on static store miss")
	cs.Detail(CacheStatusDetailOffline)
	if routepolicy.IsDocument(req) {
		return p.offlineDocument(req)
	}
	return p.offlineResponse(req)
}

func (p *Proxy) navigate(req *http.Request, cs *CacheStatus) *http.Response {
	cs.Forward(CacheStatusFwdRequest)
	res, err := p.transport.RoundTrip(req)
	if err == nil {
		return res
	}
	p.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Network failure on navigation")
	cs.Detail(CacheStatusDetailOffline)
	return p.offlineDocument(req)
}

// store writes the response into the store and leaves an unread body on the response.
// A failed write is logged; the caller still gets the response.
func (p *Proxy) store(store string, fp cache.Fingerprint, res *http.Response) bool {
	e, err := cache.EntryFromResponse(fp, res, p.now())
	if err != nil {
		p.log.Warn().Err(err).Str("key", fp.String()).Msg("Could not read response for storing")
		return false
	}
	if err := p.cache.Put(store, e); err != nil {
		p.log.Error().Err(err).Str("store", store).Str("key", fp.String()).Msg("Could not write to cache")
		return false
	}
	p.log.Trace().Str("store", store).Str("key", fp.String()).Msg("Cache write")
	return true
}

// ServeHTTP implements the http.Handler interface.
// Incoming requests are rewritten onto the origin and run through RoundTrip.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outReq := p.forwardRequest(r)
	res, err := p.RoundTrip(outReq)
	if err != nil {
		p.log.Error().Err(err).Msg("Could not fetch response from origin")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	if err := send(w, res); err != nil {
		p.log.Warn().Err(err).Msg("Could not write response body to client")
	}
}

func (p *Proxy) forwardRequest(r *http.Request) *http.Request {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.URL.Scheme = p.origin.Scheme
	outReq.URL.Host = p.origin.Host
	outReq.Host = p.origin.Host
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	if r.ContentLength == 0 {
		outReq.Body = nil
	}
	// hop-by-hop headers stay on this hop
	outReq.Header.Del("Connection")
	for _, name := range []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Forwarded-Host"} {
		outReq.Header.Del(name)
	}
	return outReq
}

func send(w http.ResponseWriter, res *http.Response) error {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	_, err := io.Copy(w, res.Body)
	return err
}

func (p *Proxy) logResponse(req *http.Request, res *http.Response, strategy routepolicy.Strategy, cs *CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	p.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("strategy", string(strategy)).
		Int("code", res.StatusCode).
		Str("status", string(cs.status)).
		Str("fwd", string(cs.fwdReason)).
		Bool("stored", cs.stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func isSafe(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions || method == http.MethodTrace
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
