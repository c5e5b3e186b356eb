package offlineruntime

import (
	"net/http"
	"time"

	cacheupdate "github.com/always-cache/offline-runtime/pkg/cache-update"
	routepolicy "github.com/always-cache/offline-runtime/pkg/route-policy"
)

// saveUpdates fetches the resources named in the Cache-Update header again.
// Updates without delay are done before the response is returned.
func (p *Proxy) saveUpdates(updates []cacheupdate.CacheUpdate) {
	for _, update := range updates {
		if !p.keyer.SameOrigin(update.URL) {
			p.log.Debug().Str("update", update.URL.String()).Msg("Ignoring cross-origin cache update")
			continue
		}
		target := update.URL.String()
		p.log.Trace().Str("update", target).Dur("delay", update.Delay).Msg("Updating cache based on header")
		if update.Delay > 0 {
			p.delayUpdate(target, update.Delay)
		} else {
			p.updateEntry(target)
		}
	}
}

// delayUpdate runs the update after delay unless the proxy is closed first.
func (p *Proxy) delayUpdate(target string, delay time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return
	}
	p.updates.Add(1)
	go func() {
		defer p.updates.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.done:
			p.log.Trace().Str("update", target).Msg("Proxy closed, dropping pending update")
		case <-timer.C:
			p.updateEntry(target)
		}
	}()
}

// Close cancels pending delayed updates and waits for running ones.
// The proxy still serves requests afterwards; it only stops scheduling updates.
func (p *Proxy) Close() {
	p.mutex.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mutex.Unlock()
	p.updates.Wait()
}

// updateEntry fetches a GET response for the store its route writes to.
// A response that cannot be stored removes the stale copy.
func (p *Proxy) updateEntry(target string) {
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		p.log.Error().Err(err).Str("update", target).Msg("Could not create request for updates")
		return
	}
	var store string
	switch p.rules.Classify(req, &p.origin) {
	case routepolicy.NetworkFirstAPI:
		store = p.apiStore
	case routepolicy.NetworkFirstDocument, routepolicy.CacheFirst:
		store = p.staticStore
	default:
		p.log.Trace().Str("update", target).Msg("Route is not stored, skipping update")
		return
	}
	fp := p.keyer.Fingerprint(req)

	res, err := p.transport.RoundTrip(req)
	if err != nil {
		p.log.Warn().Err(err).Str("update", target).Msg("Could not fetch update")
		return
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK && p.store(store, fp, res) {
		return
	}
	if err := p.cache.Delete(store, fp); err != nil {
		p.log.Warn().Err(err).Str("store", store).Str("key", fp.String()).Msg("Could not purge stale entry")
	}
}
