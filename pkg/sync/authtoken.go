package sync

import "sync"

// AuthTokenBox holds the current Authorization header value, shared
// between an Engine (which updates it via HostCallbacks.GetAuth on a 401)
// and the transport implementation that reads it per request. Transport
// constructors (HTTPPuller, HTTPPusher) take AuthHeader: box.Get.
type AuthTokenBox struct {
	mu    sync.RWMutex
	token string
}

// Get returns the current Authorization header value.
func (b *AuthTokenBox) Get() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

// Set replaces the current Authorization header value.
func (b *AuthTokenBox) Set(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}
