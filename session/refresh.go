package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/always-cache/offline-runtime/bus"
)

// Refresh renews the session credential.
// Concurrent callers in this context share a single refresh;
// callers in other contexts wait for the lock holder and then check the session.
// Once the manager is logged out, Refresh fails without touching the network.
func (m *Manager) Refresh(ctx context.Context) bool {
	if m.State() == LoggedOut {
		return false
	}
	// the shared flight must not die with the first caller
	flightCtx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan("refresh", func() (interface{}, error) {
		return m.refresh(flightCtx), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) refresh(ctx context.Context) bool {
	release, err := m.lock.TryAcquire(ctx)
	if errors.Is(err, ErrLocked) {
		ok := m.waitAndCheck(ctx)
		m.metrics.refresh(outcomeWaited)
		return ok
	} else if err != nil {
		m.log.Warn().Err(err).Msg("Refresh lock unavailable, probing session instead")
		return m.whoami(ctx) == http.StatusOK
	}
	defer release()

	m.setState(Refreshing)
	ok, revoked := m.callRefresh(ctx)
	if revoked {
		m.setState(LoggedOut)
		m.metrics.refresh(outcomeRevoked)
		m.log.Info().Msg("Refresh credential rejected, session revoked")
		if m.bus != nil {
			m.bus.Broadcast(bus.Event{Kind: bus.AuthRevoked})
		}
		m.redirectToLogin()
		return false
	}
	m.setState(Idle)
	if ok {
		m.metrics.refresh(outcomeRefreshed)
	} else {
		m.metrics.refresh(outcomeFailed)
	}
	return ok
}

// callRefresh asks the origin for a new credential.
// revoked is true when the origin rejected the refresh credential.
func (m *Manager) callRefresh(ctx context.Context) (ok, revoked bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint(RefreshPath), nil)
	if err != nil {
		m.log.Error().Err(err).Msg("Could not create refresh request")
		return false, false
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	res, err := m.client.Do(req)
	if err == nil && offline(res) {
		drain(res)
		err = errors.New("origin unreachable")
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("Refresh failed on the network")
		if m.installed {
			return m.whoami(ctx) == http.StatusOK, false
		}
		return false, false
	}
	defer drain(res)

	switch res.StatusCode {
	case http.StatusOK:
		var body struct {
			CSRFToken string `json:"csrf_token"`
		}
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			m.log.Warn().Err(err).Msg("Could not read refresh response")
		} else if body.CSRFToken != "" {
			m.artifacts.Set(CSRFTokenKey, body.CSRFToken)
		}
		m.log.Debug().Msg("Session refreshed")
		return true, false
	case http.StatusUnauthorized:
		return false, true
	default:
		m.log.Warn().Int("status", res.StatusCode).Msg("Refresh failed")
		return false, false
	}
}

// waitAndCheck waits until no context holds the refresh lock, then checks the session.
func (m *Manager) waitAndCheck(ctx context.Context) bool {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		held, err := m.lock.Held(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("Could not poll refresh lock")
			break
		}
		if !held {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return m.whoami(ctx) == http.StatusOK
}

// whoami asks the origin for the current identity and returns the status.
// It returns 0 when the origin could not be reached.
func (m *Manager) whoami(ctx context.Context) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint(MePath), nil)
	if err != nil {
		m.log.Error().Err(err).Msg("Could not create identity request")
		return 0
	}
	req.Header.Set("Cache-Control", "no-cache")
	if m.deviceToken != "" {
		req.Header.Set(DeviceTokenHeader, m.deviceToken)
	}
	res, err := m.client.Do(req)
	if err != nil {
		m.log.Debug().Err(err).Msg("Identity check failed")
		return 0
	}
	defer drain(res)
	// a cached identity says nothing about the session
	if offline(res) {
		return 0
	}
	return res.StatusCode
}

func drain(res *http.Response) {
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}
