// Package bus delivers events between the runtime and the attached browsing contexts.
// Delivery is best-effort and at-most-once: there is no acknowledgement and no retry,
// and a context that is not attached at send time does not receive the event.
package bus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Kind string

const (
	// AuthExpired is broadcast by the proxy when the origin answers an API call with 401.
	AuthExpired Kind = "AUTH_EXPIRED"
	// AuthRevoked is broadcast by a session manager when the refresh credential is invalid.
	AuthRevoked Kind = "AUTH_REVOKED"
	// AuthStatus is posted by a context to the runtime.
	AuthStatus Kind = "AUTH_STATUS"
	// ActivateNow is posted by a context to make a pending version take over.
	ActivateNow Kind = "ACTIVATE_NOW"
	// NotificationClicked routes a notification action into a context.
	NotificationClicked Kind = "NOTIFICATION_CLICKED"
	// ShowNotification asks the contexts to display a rendered notification.
	ShowNotification Kind = "SHOW_NOTIFICATION"
	// Focus asks a context to bring itself to the front.
	Focus Kind = "FOCUS"
)

type Event struct {
	ID   string `json:"id"`
	Kind Kind   `json:"type"`
	// Unix milliseconds.
	Timestamp     int64           `json:"timestamp"`
	Authenticated *bool           `json:"authenticated,omitempty"`
	Action        string          `json:"action,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Bool is a helper for Event.Authenticated.
func Bool(b bool) *bool {
	return &b
}

// HandlerFunc handles an event posted to the runtime.
type HandlerFunc func(context.Context, Event) error

// Client is an attached browsing context.
type Client struct {
	ID  string
	URL string
	ch  chan Event
}

// Events returns the delivery channel of the client.
// The channel is closed when the client is detached.
func (c *Client) Events() <-chan Event {
	return c.ch
}

// ClientInfo is a snapshot of an attached client.
type ClientInfo struct {
	ID  string
	URL string
	// Attach order, oldest first.
	seq uint64
}

type Options struct {
	// Per client buffer. Events for a client with a full buffer are dropped. Defaults to 16.
	Buffer int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Bus struct {
	mu       sync.RWMutex
	clients  map[string]*attached
	handlers map[Kind][]HandlerFunc
	seq      uint64
	buffer   int
	log      zerolog.Logger
}

type attached struct {
	client *Client
	seq    uint64
}

func New(opts Options) *Bus {
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	return &Bus{
		clients:  make(map[string]*attached),
		handlers: make(map[Kind][]HandlerFunc),
		buffer:   opts.Buffer,
		log:      logger.With().Str("component", "bus").Logger(),
	}
}

// Attach registers a browsing context showing the given URL.
func (b *Bus) Attach(url string) *Client {
	c := &Client{
		ID:  uuid.NewString(),
		URL: url,
		ch:  make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.seq++
	b.clients[c.ID] = &attached{client: c, seq: b.seq}
	b.mu.Unlock()
	b.log.Debug().Str("client", c.ID).Str("url", url).Msg("Client attached")
	return c
}

// Detach unregisters the client and closes its channel.
// Detaching an unknown client is a no-op.
func (b *Bus) Detach(id string) {
	b.mu.Lock()
	a, ok := b.clients[id]
	delete(b.clients, id)
	if ok {
		close(a.client.ch)
	}
	b.mu.Unlock()
	if ok {
		b.log.Debug().Str("client", id).Msg("Client detached")
	}
}

// Clients returns the attached clients, oldest first.
func (b *Bus) Clients() []ClientInfo {
	b.mu.RLock()
	infos := make([]ClientInfo, 0, len(b.clients))
	for _, a := range b.clients {
		infos = append(infos, ClientInfo{ID: a.client.ID, URL: a.client.URL, seq: a.seq})
	}
	b.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].seq < infos[j].seq })
	return infos
}

// Broadcast delivers the event to every attached client and returns the number of deliveries.
func (b *Bus) Broadcast(ev Event) int {
	ev = b.stamp(ev)
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for id, a := range b.clients {
		if b.deliver(id, a.client, ev) {
			delivered++
		}
	}
	b.log.Trace().Str("type", string(ev.Kind)).Int("delivered", delivered).Msg("Broadcast")
	return delivered
}

// Send delivers the event to a single client.
func (b *Bus) Send(id string, ev Event) bool {
	ev = b.stamp(ev)
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.clients[id]
	if !ok {
		b.log.Debug().Str("client", id).Str("type", string(ev.Kind)).Msg("Client not attached, event dropped")
		return false
	}
	return b.deliver(id, a.client, ev)
}

// must be called with the read lock held, so the channel cannot be closed concurrently
func (b *Bus) deliver(id string, c *Client, ev Event) bool {
	select {
	case c.ch <- ev:
		return true
	default:
		b.log.Warn().Str("client", id).Str("type", string(ev.Kind)).Msg("Client buffer full, event dropped")
		return false
	}
}

// Handle subscribes the runtime to events of the given kind posted by contexts.
func (b *Bus) Handle(kind Kind, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], fn)
}

// Post delivers an event from a context to the runtime handlers.
// Handlers run in order on the calling goroutine; their errors are logged.
func (b *Bus) Post(ctx context.Context, ev Event) {
	ev = b.stamp(ev)
	b.mu.RLock()
	handlers := b.handlers[ev.Kind]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		b.log.Debug().Str("type", string(ev.Kind)).Msg("No handler for event")
		return
	}
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			b.log.Error().Err(err).Str("type", string(ev.Kind)).Msg("Event handler error")
		}
	}
}

func (b *Bus) stamp(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	return ev
}
