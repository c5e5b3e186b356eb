// Package cacheupdate reads the Cache-Update header.
// An origin sets it on responses to unsafe requests to name resources
// whose stored copies should be fetched again.
package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const HeaderName = "Cache-Update"

var delayRegexp = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Resource to fetch again, resolved against the request URL.
	URL *url.URL
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

// GetCacheUpdates gets the updates specified by the response.
// Responses to safe requests never carry updates.
// The request is used in order to resolve potentially relative update paths.
func GetCacheUpdates(req *http.Request, res *http.Response) []CacheUpdate {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, header := range res.Header.Values(HeaderName) {
		for _, update := range strings.Split(header, ",") {
			// path is the first element
			path := strings.TrimSpace(strings.Split(update, ";")[0])
			if path == "" {
				continue
			}
			u, err := req.URL.Parse(path)
			if err != nil {
				continue
			}
			updates = append(updates, CacheUpdate{URL: u, Delay: getDelay(update)})
		}
	}
	return updates
}

// getDelay returns the delay to wait before updating the cache for from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayRegexp.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
