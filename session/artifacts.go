package session

import "sync"

// Keys of the non-sensitive session artifacts.
const (
	UsernameKey  = "username"
	RoleKey      = "role"
	CSRFTokenKey = "csrf_token"
)

// Artifacts holds per-context data that is safe to keep outside the cookie jar.
type Artifacts interface {
	Get(key string) string
	Set(key, value string)
	// Clear removes all artifacts.
	Clear()
}

type MemArtifacts struct {
	mutex  sync.RWMutex
	values map[string]string
}

func NewMemArtifacts() *MemArtifacts {
	return &MemArtifacts{values: make(map[string]string)}
}

func (a *MemArtifacts) Get(key string) string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.values[key]
}

func (a *MemArtifacts) Set(key, value string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.values[key] = value
}

func (a *MemArtifacts) Clear() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.values = make(map[string]string)
}
