package offlineruntime

import (
	"net/http"
	"net/url"
)

// invalidate removes stored GET responses made stale by a successful unsafe request:
// the target URI and the same-origin Location and Content-Location URIs (RFC 9111 section 4.4).
func (p *Proxy) invalidate(req *http.Request, res *http.Response) {
	uris := []*url.URL{req.URL}
	for _, name := range []string{"Location", "Content-Location"} {
		if value := res.Header.Get(name); value != "" {
			if u, err := req.URL.Parse(value); err == nil {
				uris = append(uris, u)
			}
		}
	}
	for _, u := range uris {
		if !p.keyer.SameOrigin(u) {
			continue
		}
		fp := p.keyer.Path(u.RequestURI())
		p.log.Trace().Str("key", fp.String()).Msg("Invalidating stored response")
		for _, store := range []string{p.apiStore, p.staticStore} {
			if err := p.cache.Delete(store, fp); err != nil {
				p.log.Warn().Err(err).Str("store", store).Str("key", fp.String()).Msg("Could not invalidate stored response")
			}
		}
	}
}
