package cacheupdate

import (
	"net/http"
	"testing"
	"time"
)

func TestGetCacheUpdates(t *testing.T) {
	req, _ := http.NewRequest("POST", "https://printer.local/api/jobs/1/cancel", nil)
	res := &http.Response{Header: http.Header{}}
	res.Header.Add(HeaderName, "/api/status")
	res.Header.Add(HeaderName, "../1; delay=5, https://printer.local/api/queue")

	updates := GetCacheUpdates(req, res)
	if len(updates) != 3 {
		t.Fatalf("Got %d updates", len(updates))
	}
	expected := []struct {
		url   string
		delay time.Duration
	}{
		{"https://printer.local/api/status", 0},
		{"https://printer.local/api/jobs/1", 5 * time.Second},
		{"https://printer.local/api/queue", 0},
	}
	for i, e := range expected {
		if updates[i].URL.String() != e.url || updates[i].Delay != e.delay {
			t.Fatalf("Update %d is %s after %v", i, updates[i].URL, updates[i].Delay)
		}
	}
}

func TestSafeRequestHasNoUpdates(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://printer.local/api/status", nil)
	res := &http.Response{Header: http.Header{}}
	res.Header.Set(HeaderName, "/api/status")
	if updates := GetCacheUpdates(req, res); len(updates) != 0 {
		t.Fatalf("Got updates for a safe request: %v", updates)
	}
}
