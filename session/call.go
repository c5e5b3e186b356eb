package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Do sends an authenticated call to the origin.
// A call answered with 401 is retried once after a successful refresh;
// the answer to the retry is returned as is.
func (m *Manager) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := rewindable(req); err != nil {
		return nil, err
	}
	res, err := m.client.Do(m.prepare(ctx, req))
	if err != nil || res.StatusCode != http.StatusUnauthorized {
		return res, err
	}
	if m.State() == LoggedOut || !m.Refresh(ctx) {
		return res, nil
	}
	drain(res)
	m.metrics.retry()
	m.log.Debug().Str("url", req.URL.String()).Msg("Retrying call after refresh")
	return m.client.Do(m.prepare(ctx, req))
}

// prepare clones the request and adds the credentials of the context.
func (m *Manager) prepare(ctx context.Context, req *http.Request) *http.Request {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		// GetBody cannot fail after rewindable succeeded
		r.Body, _ = req.GetBody()
	}
	if m.deviceToken != "" {
		r.Header.Set(DeviceTokenHeader, m.deviceToken)
		r.Header.Del(CSRFHeader)
	} else if mutating(r.Method) {
		if token := m.artifacts.Get(CSRFTokenKey); token != "" {
			r.Header.Set(CSRFHeader, token)
		}
	}
	return r
}

// rewindable makes sure the request body can be sent twice.
func rewindable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}
