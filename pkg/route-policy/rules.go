package routepolicy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	cachekey "github.com/always-cache/offline-runtime/pkg/cache-key"
)

type Strategy string

const (
	// NetworkFirstAPI goes to the network and falls back to the API store.
	NetworkFirstAPI Strategy = "network-first-api"
	// NetworkFirstDocument goes to the network and falls back to the static store,
	// then to the offline document.
	NetworkFirstDocument Strategy = "network-first-document"
	// CacheFirst serves from the static store and only goes to the network on a miss.
	CacheFirst Strategy = "cache-first"
	// Navigate goes to the network and falls back to the offline document.
	Navigate Strategy = "navigate"
	// Bypass passes the request straight to the transport.
	Bypass Strategy = "bypass"
)

func (s Strategy) Valid() bool {
	switch s {
	case NetworkFirstAPI, NetworkFirstDocument, CacheFirst, Navigate, Bypass:
		return true
	}
	return false
}

func (s *Strategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if !Strategy(raw).Valid() {
		return fmt.Errorf("unknown strategy %q", raw)
	}
	*s = Strategy(raw)
	return nil
}

type Rules []Rule

type Rule struct {
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
	// Method restricts the rule to one method. Empty matches every method.
	Method string `yaml:"method"`
	// Navigate restricts the rule to top-level navigations.
	Navigate bool     `yaml:"navigate"`
	Strategy Strategy `yaml:"strategy"`
}

// DefaultRules returns the fixed routing of the dashboard.
func DefaultRules(apiPrefix, staticPrefix string) Rules {
	return Rules{
		Rule{Prefix: apiPrefix, Strategy: NetworkFirstAPI},
		Rule{Prefix: staticPrefix, Suffix: ".html", Method: http.MethodGet, Strategy: NetworkFirstDocument},
		Rule{Prefix: staticPrefix, Method: http.MethodGet, Strategy: CacheFirst},
		Rule{Navigate: true, Method: http.MethodGet, Strategy: Navigate},
	}
}

// Classify returns the strategy for the request.
// Requests to another origin are always bypassed, as are requests no rule matches.
func (r Rules) Classify(req *http.Request, origin *url.URL) Strategy {
	if req.URL.Host != "" && !cachekey.SameOrigin(req.URL, origin) {
		log.Trace().Msgf("Bypassing cross-origin request %s", req.URL.Host)
		return Bypass
	}
	if rule := r.find(req); rule != nil {
		return rule.Strategy
	}
	return Bypass
}

func (r Rules) find(req *http.Request) *Rule {
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
	for _, rule := range r {
		if rule.Method != "" && !strings.EqualFold(rule.Method, req.Method) {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if rule.Suffix != "" && !strings.HasSuffix(req.URL.Path, rule.Suffix) {
			continue
		}
		if rule.Navigate && !IsNavigation(req) {
			continue
		}
		return &rule
	}
	return nil
}

// IsNavigation reports whether the request loads a top-level document.
// Fetch metadata is trusted when present; otherwise a GET preferring HTML counts.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && prefersHTML(req.Header.Get("Accept"))
}

// IsDocument reports whether the request destination is a document.
func IsDocument(req *http.Request) bool {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document" || dest == "iframe"
	}
	return IsNavigation(req)
}

func prefersHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.TrimSpace(mediaType) {
		case "text/html", "application/xhtml+xml":
			return true
		case "*/*":
			return false
		}
	}
	return false
}
