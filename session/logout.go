package session

import (
	"context"
	"net/http"
	"time"

	"github.com/always-cache/offline-runtime/bus"
)

// Logout ends the session. It completes even when the origin cannot be reached.
func (m *Manager) Logout(ctx context.Context) {
	if m.push != nil {
		// not awaited
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := m.push.Unsubscribe(ctx); err != nil {
				m.log.Warn().Err(err).Msg("Could not unsubscribe from push")
			}
		}()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint(LogoutPath), nil)
	if err == nil {
		if token := m.artifacts.Get(CSRFTokenKey); token != "" && m.deviceToken == "" {
			req.Header.Set(CSRFHeader, token)
		}
		var res *http.Response
		if res, err = m.client.Do(req); err == nil {
			drain(res)
		}
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("Logout call failed")
	}

	m.artifacts.Clear()
	m.setState(LoggedOut)
	if m.bus != nil {
		m.bus.Post(ctx, bus.Event{Kind: bus.AuthStatus, Authenticated: bus.Bool(false)})
	}
	m.redirectToLogin()
	m.log.Info().Msg("Logged out")
}
