package session

import (
	"context"
	"net/http"
	"time"
)

// InactivityPrompt is shown when the user has been inactive for the configured timeout.
const InactivityPrompt = "Sie waren 60 Minuten inaktiv. Möchten Sie angemeldet bleiben?"

// Signals that count as user activity.
var activitySignals = map[string]bool{
	"mousedown":  true,
	"keydown":    true,
	"scroll":     true,
	"touchstart": true,
}

// Touch records a user interaction. Signals other than
// mousedown, keydown, scroll and touchstart are ignored.
func (m *Manager) Touch(signal string) {
	if !activitySignals[signal] {
		return
	}
	select {
	case m.activity <- struct{}{}:
	default:
	}
}

// Restore checks the session of an installed app when it starts.
// A rejected or failed identity check triggers a refresh.
func (m *Manager) Restore(ctx context.Context) bool {
	if !m.installed {
		return true
	}
	if m.whoami(ctx) == http.StatusOK {
		return true
	}
	return m.Refresh(ctx)
}

// Check asks the origin for the identity and refreshes it when the origin rejects it.
// When the origin cannot be reached nothing happens.
func (m *Manager) Check(ctx context.Context) {
	if m.State() == LoggedOut {
		return
	}
	switch status := m.whoami(ctx); status {
	case 0:
		m.log.Debug().Msg("Session check skipped, origin unreachable")
	case http.StatusOK:
	case http.StatusUnauthorized:
		if !m.Refresh(ctx) && m.State() != LoggedOut {
			m.redirectToLogin()
		}
	default:
		m.log.Warn().Int("status", status).Msg("Unexpected session check status")
	}
}

// Run checks the session periodically and watches for inactivity
// until ctx is done or the session ends.
// Without a Confirmer nobody can answer the prompt, so inactivity is not watched.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	var (
		timer   *time.Timer
		expired <-chan time.Time
	)
	if m.confirm != nil {
		timer = time.NewTimer(m.inactivityTimeout)
		defer timer.Stop()
		expired = timer.C
	} else {
		m.log.Debug().Msg("No confirmer, inactivity is not watched")
	}

	for m.State() != LoggedOut {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		case <-m.activity:
			if timer != nil {
				timer.Reset(m.inactivityTimeout)
			}
		case <-expired:
			if !m.confirmInactivity(ctx) {
				return
			}
			timer.Reset(m.inactivityTimeout)
		}
	}
}

// confirmInactivity asks the user to stay logged in.
// It returns false when the session was ended.
func (m *Manager) confirmInactivity(ctx context.Context) bool {
	stay := m.confirm.Confirm(ctx, InactivityPrompt)
	if ctx.Err() != nil {
		return false
	}
	if stay {
		m.log.Debug().Msg("User stays logged in after inactivity")
		m.Refresh(ctx)
		return true
	}
	m.log.Info().Dur("timeout", m.inactivityTimeout).Msg("Logging out after inactivity")
	m.Logout(ctx)
	return false
}
