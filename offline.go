package offlineruntime

import (
	"bytes"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
)

// OfflineMessage is the message of the synthesized offline API response.
const OfflineMessage = "Keine Internetverbindung"

type offlineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var offlinePage = template.Must(template.New("offline").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
</head>
<body>
<h1>Offline</h1>
<p>{{.Message}}</p>
<p><a href="{{.Retry}}">Erneut versuchen</a></p>
</body>
</html>
`))

// offlineResponse synthesizes the structured 503 returned when neither the network nor a store can answer.
func (p *Proxy) offlineResponse(req *http.Request) *http.Response {
	body, _ := json.Marshal(offlineBody{Error: "Offline", Message: OfflineMessage})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	return newResponse(req, http.StatusServiceUnavailable, header, body)
}

// offlineDocument returns the pre-cached offline document,
// or a synthesized page with a retry link if it was never cached.
func (p *Proxy) offlineDocument(req *http.Request) *http.Response {
	if e, ok := p.cache.Get(p.staticStore, p.keyer.Path(p.offlineDoc)); ok {
		return e.Response(req)
	}
	p.log.Warn().Str("document", p.offlineDoc).Msg("Offline document not cached, synthesizing page")
	var buf bytes.Buffer
	if err := offlinePage.Execute(&buf, struct {
		Message string
		Retry   string
	}{
		Message: OfflineMessage,
		Retry:   req.URL.RequestURI(),
	}); err != nil {
		p.log.Error().Err(err).Msg("Could not render offline page")
	}
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return newResponse(req, http.StatusServiceUnavailable, header, buf.Bytes())
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
