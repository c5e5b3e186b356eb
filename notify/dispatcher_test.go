package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/offline-runtime/bus"
)

type recordingRenderer struct {
	shown []Notification
	err   error
}

func (r *recordingRenderer) Show(ctx context.Context, n Notification) error {
	if r.err != nil {
		return r.err
	}
	r.shown = append(r.shown, n)
	return nil
}

type recordingOpener struct {
	opened []string
}

func (o *recordingOpener) Open(ctx context.Context, url string) error {
	o.opened = append(o.opened, url)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordingRenderer, *recordingOpener, *bus.Bus) {
	t.Helper()
	logger := zerolog.Nop()
	origin, _ := url.Parse("https://printer.local")
	r := &recordingRenderer{}
	o := &recordingOpener{}
	b := bus.New(bus.Options{Logger: &logger})
	d := NewDispatcher(Config{
		Origin:   *origin,
		Renderer: r,
		Opener:   o,
		Clients:  b,
		Clock:    func() time.Time { return time.UnixMilli(1700000000000) },
		Logger:   &logger,
	})
	return d, r, o, b
}

func TestEmptyObjectIsRejected(t *testing.T) {
	d, r, _, _ := newTestDispatcher(t)
	require.NoError(t, d.Dispatch(context.Background(), []byte(`{}`)))
	assert.Empty(t, r.shown)
}

func TestUnparseablePayloadFallsBack(t *testing.T) {
	d, r, _, _ := newTestDispatcher(t)
	require.NoError(t, d.Dispatch(context.Background(), []byte("Drucker fertig")))
	require.Len(t, r.shown, 1)
	assert.Equal(t, defaultTitle, r.shown[0].Title)
	assert.Equal(t, "Drucker fertig", r.shown[0].Body)
	assert.Nil(t, r.shown[0].Data)
	assert.Empty(t, r.shown[0].Actions)
}

func TestAbsentPayloadFallsBack(t *testing.T) {
	d, r, _, _ := newTestDispatcher(t)
	require.NoError(t, d.Dispatch(context.Background(), nil))
	require.Len(t, r.shown, 1)
	assert.Equal(t, "", r.shown[0].Body)
}

func TestKnownTypes(t *testing.T) {
	d, r, _, _ := newTestDispatcher(t)
	for _, tc := range []struct {
		payload     string
		title, body string
		interaction bool
		actions     int
	}{
		{`{"notification_type":"print_started","body":"benchy.gcode"}`, "🖨️ Druck gestartet", "benchy.gcode", false, 2},
		{`{"notification_type":"print_completed"}`, "✅ Druck abgeschlossen", defaultBody, true, 2},
		{`{"notification_type":"print_failed"}`, "❌ Druck fehlgeschlagen", defaultBody, true, 0},
		{`{"notification_type":"filament_low"}`, "⚠️ Filament niedrig", "Filament bald leer!", false, 0},
		{`{"notification_type":"filament_low","body":"Noch 5%"}`, "⚠️ Filament niedrig", "Noch 5%", false, 0},
		{`{"notification_type":"maintenance_due"}`, "🔧 Wartung fällig", "Wartung erforderlich", true, 1},
	} {
		r.shown = nil
		require.NoError(t, d.Dispatch(context.Background(), []byte(tc.payload)))
		require.Len(t, r.shown, 1, tc.payload)
		n := r.shown[0]
		assert.Equal(t, tc.title, n.Title, tc.payload)
		assert.Equal(t, tc.body, n.Body, tc.payload)
		assert.Equal(t, tc.interaction, n.RequireInteraction, tc.payload)
		assert.Len(t, n.Actions, tc.actions, tc.payload)
		assert.Equal(t, defaultTag, n.Tag)
		assert.True(t, n.Renotify)
		assert.Equal(t, []int{100, 50, 100}, n.Vibrate)
	}
}

func TestUnknownTypeUsesDefaultTemplate(t *testing.T) {
	d, r, _, _ := newTestDispatcher(t)
	raw := `{"notification_type":"bed_heated","url":"/?tab=temps","tag":"heat","image":"/static/cam.jpg"}`
	require.NoError(t, d.Dispatch(context.Background(), []byte(raw)))
	require.Len(t, r.shown, 1)
	n := r.shown[0]
	assert.Equal(t, defaultTitle, n.Title)
	assert.Equal(t, "heat", n.Tag)
	assert.Equal(t, "/static/cam.jpg", n.Image)
	require.NotNil(t, n.Data)
	assert.Equal(t, "/?tab=temps", n.Data.URL)
	assert.Equal(t, int64(1700000000000), n.Data.Timestamp)
}

func TestRendererErrorIsReturned(t *testing.T) {
	d, r, _, _ := newTestDispatcher(t)
	r.err = errors.New("tray unavailable")
	assert.Error(t, d.Dispatch(context.Background(), []byte(`{"notification_type":"print_failed"}`)))
}

func TestClickTargets(t *testing.T) {
	assert.Equal(t, "/?action=poweroff", Click{Action: ActionPoweroff}.Target())
	assert.Equal(t, "/?tab=status", Click{Action: ActionView}.Target())
	assert.Equal(t, "/jobs/7", Click{Data: &Data{URL: "/jobs/7"}}.Target())
	assert.Equal(t, "/", Click{Action: ActionClose}.Target())
}

func TestClickFocusesClientOnOrigin(t *testing.T) {
	d, _, o, b := newTestDispatcher(t)
	other := b.Attach("https://other.example/")
	c := b.Attach("https://printer.local/?tab=jobs")

	data := &Data{URL: "/", NotificationType: PrintCompleted}
	require.NoError(t, d.Click(context.Background(), Click{Action: ActionPoweroff, Data: data}))

	assert.Empty(t, o.opened)
	assert.Len(t, other.Events(), 0)
	require.Len(t, c.Events(), 2)
	clicked := <-c.Events()
	assert.Equal(t, bus.NotificationClicked, clicked.Kind)
	assert.Equal(t, ActionPoweroff, clicked.Action)
	var got Data
	require.NoError(t, json.Unmarshal(clicked.Data, &got))
	assert.Equal(t, PrintCompleted, got.NotificationType)
	focus := <-c.Events()
	assert.Equal(t, bus.Focus, focus.Kind)
}

func TestClickOpensWindowWithoutClient(t *testing.T) {
	d, _, o, _ := newTestDispatcher(t)
	require.NoError(t, d.Click(context.Background(), Click{Action: ActionView}))
	assert.Equal(t, []string{"https://printer.local/?tab=status"}, o.opened)
}

func TestBusRenderer(t *testing.T) {
	logger := zerolog.Nop()
	b := bus.New(bus.Options{Logger: &logger})
	c := b.Attach("https://printer.local/")
	r := BusRenderer{Bus: b}
	require.NoError(t, r.Show(context.Background(), Notification{Title: "t", Body: "b"}))
	ev := <-c.Events()
	assert.Equal(t, bus.ShowNotification, ev.Kind)
	var n Notification
	require.NoError(t, json.Unmarshal(ev.Data, &n))
	assert.Equal(t, "b", n.Body)
}
