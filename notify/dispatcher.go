// Package notify turns inbound push payloads into notifications
// and routes notification clicks back into the application.
package notify

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-runtime/bus"
)

const (
	ActionView     = "view"
	ActionClose    = "close"
	ActionPoweroff = "poweroff"
)

// Payload is an inbound push message.
type Payload struct {
	NotificationType Type   `json:"notification_type"`
	Body             string `json:"body,omitempty"`
	URL              string `json:"url,omitempty"`
	Tag              string `json:"tag,omitempty"`
	Image            string `json:"image,omitempty"`
}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Data travels with a notification and comes back on click.
type Data struct {
	URL              string `json:"url"`
	NotificationType Type   `json:"notification_type"`
	Timestamp        int64  `json:"timestamp"`
}

// Notification is the rendering of a payload. It is never persisted.
type Notification struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon"`
	Badge              string   `json:"badge"`
	Image              string   `json:"image,omitempty"`
	Vibrate            []int    `json:"vibrate,omitempty"`
	Tag                string   `json:"tag,omitempty"`
	Renotify           bool     `json:"renotify,omitempty"`
	RequireInteraction bool     `json:"requireInteraction"`
	Timestamp          int64    `json:"timestamp,omitempty"`
	Actions            []Action `json:"actions,omitempty"`
	Data               *Data    `json:"data,omitempty"`
}

// Renderer displays notifications.
type Renderer interface {
	Show(ctx context.Context, n Notification) error
}

// Opener opens a new browsing context at an absolute URL.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Clients are the attached browsing contexts.
type Clients interface {
	Clients() []bus.ClientInfo
	Send(id string, ev bus.Event) bool
}

type Config struct {
	// Application origin. Clicks focus a context on this origin.
	Origin   url.URL
	Renderer Renderer
	Opener   Opener
	Clients  Clients
	// Time source. time.Now if nil.
	Clock func() time.Time
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Dispatcher struct {
	origin   url.URL
	renderer Renderer
	opener   Opener
	clients  Clients
	now      func() time.Time
	log      zerolog.Logger
}

func NewDispatcher(config Config) *Dispatcher {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	d := &Dispatcher{
		origin:   config.Origin,
		renderer: config.Renderer,
		opener:   config.Opener,
		clients:  config.Clients,
		now:      config.Clock,
		log:      logger.With().Str("component", "notify").Logger(),
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Dispatch validates a raw push payload and shows the resulting notification.
// Malformed payloads never cause an error; only a failing renderer does.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	n, ok := d.Render(raw)
	if !ok {
		return nil
	}
	return d.renderer.Show(ctx, n)
}

// Render turns a raw payload into a notification.
// It reports false when the payload must not be shown at all.
func (d *Dispatcher) Render(raw []byte) (Notification, bool) {
	var p Payload
	if len(raw) == 0 {
		d.log.Warn().Msg("Push without data, showing fallback")
		return d.fallback(""), true
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		d.log.Warn().Err(err).Msg("Push parse error, showing fallback")
		return d.fallback(string(raw)), true
	}
	if p.NotificationType == "" {
		d.log.Error().Msg("Invalid push structure, discarded")
		return Notification{}, false
	}

	tmpl, known := lookup(p.NotificationType)
	if !known {
		d.log.Warn().Str("type", string(p.NotificationType)).Msg("Unknown notification type")
	}
	now := d.now().UnixMilli()
	n := Notification{
		Title:              tmpl.Title,
		Body:               firstNonEmpty(p.Body, tmpl.Body, defaultBody),
		Icon:               defaultIcon,
		Badge:              defaultBadge,
		Image:              p.Image,
		Vibrate:            append([]int(nil), defaultVibrate...),
		Tag:                firstNonEmpty(p.Tag, defaultTag),
		Renotify:           true,
		RequireInteraction: tmpl.RequireInteraction,
		Timestamp:          now,
		Actions:            append([]Action(nil), tmpl.Actions...),
		Data: &Data{
			URL:              firstNonEmpty(p.URL, "/"),
			NotificationType: p.NotificationType,
			Timestamp:        now,
		},
	}
	return n, true
}

func (d *Dispatcher) fallback(text string) Notification {
	return Notification{
		Title: defaultTitle,
		Body:  text,
		Icon:  defaultIcon,
		Badge: defaultBadge,
	}
}

// Click is a click on a notification or one of its actions.
type Click struct {
	Action string `json:"action"`
	Data   *Data  `json:"data,omitempty"`
}

// Target returns the path the click leads to.
func (c Click) Target() string {
	switch c.Action {
	case ActionPoweroff:
		return "/?action=poweroff"
	case ActionView:
		return "/?tab=status"
	}
	if c.Data != nil && c.Data.URL != "" {
		return c.Data.URL
	}
	return "/"
}

// Click focuses the first context on the application origin and routes the action to it.
// Without such a context a new one is opened at the click target.
func (d *Dispatcher) Click(ctx context.Context, click Click) error {
	target := click.Target()
	data, err := json.Marshal(click.Data)
	if err != nil {
		return err
	}
	for _, c := range d.clients.Clients() {
		if !d.onOrigin(c.URL) {
			continue
		}
		d.log.Debug().Str("client", c.ID).Str("action", click.Action).Msg("Routing click to client")
		d.clients.Send(c.ID, bus.Event{Kind: bus.NotificationClicked, Action: click.Action, Data: data})
		d.clients.Send(c.ID, bus.Event{Kind: bus.Focus})
		return nil
	}

	ref, err := url.Parse(target)
	if err != nil {
		d.log.Warn().Err(err).Str("target", target).Msg("Invalid click target, opening root")
		ref = &url.URL{Path: "/"}
	}
	abs := d.origin.ResolveReference(ref).String()
	d.log.Debug().Str("url", abs).Msg("No client on origin, opening new one")
	return d.opener.Open(ctx, abs)
}

func (d *Dispatcher) onOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == d.origin.Scheme && u.Host == d.origin.Host
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Broadcaster delivers an event to every attached context.
type Broadcaster interface {
	Broadcast(ev bus.Event) int
}

// BusRenderer shows notifications by broadcasting them to the attached contexts.
type BusRenderer struct {
	Bus Broadcaster
}

func (r BusRenderer) Show(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	r.Bus.Broadcast(bus.Event{Kind: bus.ShowNotification, Data: data})
	return nil
}

// LogOpener only logs the URL. For setups without a way to open contexts.
type LogOpener struct {
	Logger *zerolog.Logger
}

func (o LogOpener) Open(ctx context.Context, url string) error {
	if o.Logger != nil {
		o.Logger.Info().Str("url", url).Msg("Open window")
	}
	return nil
}
