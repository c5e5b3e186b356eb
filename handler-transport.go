package offlineruntime

import (
	"net/http"

	tee "github.com/always-cache/offline-runtime/pkg/response-writer-tee"
)

// HandlerTransport is a RoundTripper that serves requests from an in-process handler.
// Use it to put the proxy in front of an origin that lives in the same process.
type HandlerTransport struct {
	Handler http.Handler
}

func (t HandlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rs := tee.NewResponseSaver(nil)
	// handlers expect server-side requests
	serverReq := req.Clone(req.Context())
	serverReq.RequestURI = req.URL.RequestURI()
	if serverReq.Host == "" {
		serverReq.Host = req.URL.Host
	}
	t.Handler.ServeHTTP(rs, serverReq)
	return rs.Result(req), nil
}
