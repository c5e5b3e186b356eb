package cache

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by providers that have been closed.
	ErrClosed = errors.New("cache provider closed")
	// ErrNotFound is returned by StoredAt for missing entries.
	ErrNotFound = errors.New("cache entry not found")
)

// Fingerprint identifies a stored response: the request method and the absolute URL.
type Fingerprint struct {
	Method string
	URL    string
}

func (f Fingerprint) String() string {
	return f.Method + " " + f.URL
}

// ParseFingerprint is the inverse of Fingerprint.String.
func ParseFingerprint(s string) (Fingerprint, bool) {
	method, url, found := strings.Cut(s, " ")
	if !found || method == "" || url == "" {
		return Fingerprint{}, false
	}
	return Fingerprint{Method: method, URL: url}, true
}

// Entry is a stored response snapshot.
// Entries are never mutated once stored; a new Put replaces the whole entry.
type Entry struct {
	Fingerprint Fingerprint
	Status      int
	Header      http.Header
	Body        []byte
	StoredAt    time.Time
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	c := e
	c.Header = e.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if e.Body != nil {
		c.Body = bytes.Clone(e.Body)
	}
	return c
}

// Response creates a fresh *http.Response for the entry.
// The response does not share any memory with the entry.
func (e Entry) Response(req *http.Request) *http.Response {
	c := e.Clone()
	return &http.Response{
		Status:        http.StatusText(c.Status),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        c.Header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// EntryFromResponse reads the whole response body into a new entry.
// The response body is replaced with an equivalent unread body,
// so the response can still be sent on to the client.
func EntryFromResponse(fp Fingerprint, res *http.Response, storedAt time.Time) (Entry, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return Entry{}, err
		}
		res.Body = io.NopCloser(bytes.NewReader(body))
	}
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	// framing headers belong to the transport, not to the snapshot
	for _, name := range []string{"Content-Length", "Transfer-Encoding", "Connection"} {
		header.Del(name)
	}
	return Entry{
		Fingerprint: fp,
		Status:      res.StatusCode,
		Header:      header,
		Body:        body,
		StoredAt:    storedAt,
	}, nil
}

// Provider is an interface for a cache provider.
// It manages named, independently lifecycled stores of response snapshots.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns the entry stored under the fingerprint.
	// A backend failure is logged and reported as a miss, never as an error.
	Get(store string, fp Fingerprint) (Entry, bool)
	// Put stores the entry under its fingerprint, replacing any existing entry.
	// The store is created if it does not exist yet.
	Put(store string, e Entry) error
	// StoredAt reads the store time of an entry without copying its body.
	// It returns ErrNotFound when the entry does not exist.
	StoredAt(store string, fp Fingerprint) (time.Time, error)
	// Delete removes a single entry. Deleting a missing entry is not an error.
	Delete(store string, fp Fingerprint) error
	// Fingerprints returns the fingerprints of the store as they were at call time.
	// The returned sequence can be ranged over any number of times.
	Fingerprints(store string) iter.Seq[Fingerprint]
	// DeleteStore removes the store and all of its entries.
	// Concurrent readers see either the full old store or no store at all.
	DeleteStore(name string) error
	// Stores returns the names of all existing stores.
	Stores() ([]string, error)
	// Close releases backend resources.
	Close() error
}

type memStore struct {
	mutex   sync.RWMutex
	entries map[Fingerprint]Entry
}

// MemCache keeps all stores in memory.
type MemCache struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m MemCache) store(name string, create bool) *memStore {
	m.mutex.RLock()
	s, ok := m.stores[name]
	m.mutex.RUnlock()
	if ok || !create {
		return s
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, ok = m.stores[name]; !ok {
		s = &memStore{entries: make(map[Fingerprint]Entry)}
		m.stores[name] = s
	}
	return s
}

func (m MemCache) Get(store string, fp Fingerprint) (Entry, bool) {
	s := m.store(store, false)
	if s == nil {
		return Entry{}, false
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.entries[fp]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

func (m MemCache) Put(store string, e Entry) error {
	s := m.store(store, true)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries[e.Fingerprint] = e.Clone()
	return nil
}

func (m MemCache) StoredAt(store string, fp Fingerprint) (time.Time, error) {
	s := m.store(store, false)
	if s == nil {
		return time.Time{}, ErrNotFound
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.entries[fp]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return e.StoredAt, nil
}

func (m MemCache) Delete(store string, fp Fingerprint) error {
	s := m.store(store, false)
	if s == nil {
		return nil
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.entries, fp)
	return nil
}

func (m MemCache) Fingerprints(store string) iter.Seq[Fingerprint] {
	var snapshot []Fingerprint
	if s := m.store(store, false); s != nil {
		s.mutex.RLock()
		snapshot = make([]Fingerprint, 0, len(s.entries))
		for fp := range s.entries {
			snapshot = append(snapshot, fp)
		}
		s.mutex.RUnlock()
	}
	return sliceSeq(snapshot)
}

// DeleteStore detaches the store in one step.
// Writers still holding the old store write into a map nobody can reach anymore.
func (m MemCache) DeleteStore(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.stores, name)
	return nil
}

func (m MemCache) Stores() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemCache) Close() error {
	return nil
}

func sliceSeq(snapshot []Fingerprint) iter.Seq[Fingerprint] {
	return func(yield func(Fingerprint) bool) {
		for _, fp := range snapshot {
			if !yield(fp) {
				return
			}
		}
	}
}
