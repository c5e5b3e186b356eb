package cache

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// providers returns every provider that can run in the current environment.
// The redis provider only runs when REDIS_ADDR is set.
func providers(t *testing.T) map[string]Provider {
	t.Helper()
	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Could not open sqlite cache: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	p := map[string]Provider{
		"memory": NewMemCache(),
		"sqlite": sqlite,
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rc, err := NewRedisCache(RedisCacheOpts{
			Client: redis.NewClient(&redis.Options{Addr: addr}),
			Prefix: "test-" + t.Name(),
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			names, _ := rc.Stores()
			for _, name := range names {
				rc.DeleteStore(name)
			}
			rc.Close()
		})
		p["redis"] = rc
	}
	return p
}

func testEntry(url, body string, storedAt time.Time) Entry {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return Entry{
		Fingerprint: Fingerprint{Method: "GET", URL: url},
		Status:      200,
		Header:      header,
		Body:        []byte(body),
		StoredAt:    storedAt,
	}
}

func TestGetMiss(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok := p.Get("api", Fingerprint{"GET", "https://printer.local/api/none"}); ok {
				t.Fatal("Expected miss on empty store")
			}
			if _, err := p.StoredAt("api", Fingerprint{"GET", "https://printer.local/api/none"}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPutReplacesWholeEntry(t *testing.T) {
	now := time.UnixMilli(time.Now().UnixMilli())
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			e1 := testEntry("https://printer.local/api/status", `{"v":1}`, now)
			e1.Header.Set("X-Only-In-First", "yes")
			e2 := testEntry("https://printer.local/api/status", `{"v":2}`, now.Add(time.Second))
			e2.Status = 203

			if err := p.Put("api", e1); err != nil {
				t.Fatal(err)
			}
			if err := p.Put("api", e2); err != nil {
				t.Fatal(err)
			}
			got, ok := p.Get("api", e1.Fingerprint)
			if !ok {
				t.Fatal("Expected hit")
			}
			if string(got.Body) != `{"v":2}` || got.Status != 203 {
				t.Fatalf("Got %d %s", got.Status, got.Body)
			}
			if got.Header.Get("X-Only-In-First") != "" {
				t.Fatalf("Headers of first entry leaked: %+v", got.Header)
			}
			if !got.StoredAt.Equal(e2.StoredAt) {
				t.Fatalf("Stored at %v", got.StoredAt)
			}
		})
	}
}

func TestEntriesAreSnapshots(t *testing.T) {
	p := NewMemCache()
	e := testEntry("https://printer.local/api/status", "original", time.Now())
	p.Put("api", e)
	// mutate the caller's copy after storing
	e.Body[0] = 'X'
	e.Header.Set("Content-Type", "text/plain")

	got, _ := p.Get("api", e.Fingerprint)
	if string(got.Body) != "original" || got.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("Stored entry was mutated: %s %+v", got.Body, got.Header)
	}
	// mutate the returned copy
	got.Body[0] = 'Y'
	again, _ := p.Get("api", e.Fingerprint)
	if string(again.Body) != "original" {
		t.Fatalf("Stored entry was mutated through Get: %s", again.Body)
	}
}

func TestFingerprintsSnapshot(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			p.Put("api", testEntry("https://printer.local/api/a", "a", time.Now()))
			p.Put("api", testEntry("https://printer.local/api/b", "b", time.Now()))

			seq := p.Fingerprints("api")
			// writes after the call are not part of the snapshot
			p.Put("api", testEntry("https://printer.local/api/c", "c", time.Now()))

			count := func() int {
				n := 0
				for range seq {
					n++
				}
				return n
			}
			if n := count(); n != 2 {
				t.Fatalf("Snapshot has %d entries", n)
			}
			// restartable
			if n := count(); n != 2 {
				t.Fatalf("Second iteration has %d entries", n)
			}
		})
	}
}

func TestDeleteStore(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			p.Put("api-cache-v2", testEntry("https://printer.local/api/a", "a", time.Now()))
			p.Put("static-v2", testEntry("https://printer.local/static/app.js", "js", time.Now()))

			if err := p.DeleteStore("api-cache-v2"); err != nil {
				t.Fatal(err)
			}
			if _, ok := p.Get("api-cache-v2", Fingerprint{"GET", "https://printer.local/api/a"}); ok {
				t.Fatal("Entry survived store deletion")
			}
			if _, ok := p.Get("static-v2", Fingerprint{"GET", "https://printer.local/static/app.js"}); !ok {
				t.Fatal("Other store was affected")
			}
			names, err := p.Stores()
			if err != nil {
				t.Fatal(err)
			}
			if len(names) != 1 || names[0] != "static-v2" {
				t.Fatalf("Stores are %v", names)
			}
			// deleting again is fine
			if err := p.DeleteStore("api-cache-v2"); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestDeleteStoreConcurrentReaders(t *testing.T) {
	p := NewMemCache()
	for i := 0; i < 64; i++ {
		p.Put("api", testEntry("https://printer.local/api/"+string(rune('a'+i%26))+string(rune('a'+i/26)), "x", time.Now()))
	}
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				n := 0
				for range p.Fingerprints("api") {
					n++
				}
				if n != 0 && n != 64 {
					t.Errorf("Reader saw partial store with %d entries", n)
					return
				}
			}
		}()
	}
	p.DeleteStore("api")
	wg.Wait()
}

func TestParseFingerprint(t *testing.T) {
	fp := Fingerprint{Method: "GET", URL: "https://printer.local/api/status?x=1 2"}
	parsed, ok := ParseFingerprint(fp.String())
	if !ok || parsed != fp {
		t.Fatalf("Parsed %+v", parsed)
	}
	if _, ok := ParseFingerprint("nospace"); ok {
		t.Fatal("Expected failure")
	}
}
