// Package auth implements the SOCKS5 credential store the front-end server
// authenticates inbound clients against. Construction is explicit — no
// package-level default instance — so multiple front-ends (or tests) never
// share state by accident.
package auth

import (
	"sync"

	"github.com/things-go/go-socks5"
	"go.uber.org/zap"
)

// ClientConfig is one permitted (or explicitly denied) SOCKS5 client.
type ClientConfig struct {
	Username string `json:"username" yaml:"username" mapstructure:"username"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
	Allowed  bool   `json:"allowed" yaml:"allowed" mapstructure:"allowed"`
}

// MultiAuth is a socks5.CredentialStore backed by an in-memory client list.
type MultiAuth struct {
	mu      sync.RWMutex
	clients map[string]ClientConfig
	log     *zap.Logger
}

var _ socks5.CredentialStore = (*MultiAuth)(nil)

// New builds an empty MultiAuth. Use LoadClients or AddClient to populate it.
// A nil logger is replaced with zap.NewNop().
func New(logger *zap.Logger) *MultiAuth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiAuth{clients: make(map[string]ClientConfig), log: logger}
}

// AddClient registers or replaces a single client.
func (a *MultiAuth) AddClient(username, password string, allowed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clients[username] = ClientConfig{Username: username, Password: password, Allowed: allowed}
}

// LoadClients replaces the entire client set, used when the app config is
// reloaded from disk.
func (a *MultiAuth) LoadClients(users []ClientConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clients = make(map[string]ClientConfig, len(users))
	for _, u := range users {
		a.clients[u.Username] = u
	}
}

// Valid implements socks5.CredentialStore.
func (a *MultiAuth) Valid(username, password, addr string) bool {
	a.mu.RLock()
	client, ok := a.clients[username]
	a.mu.RUnlock()

	if !ok {
		a.log.Debug("auth attempt for unknown client", zap.String("username", username), zap.String("addr", addr))
		return false
	}
	if !client.Allowed {
		a.log.Warn("auth attempt for disallowed client", zap.String("username", username), zap.String("addr", addr))
		return false
	}
	if client.Password != password {
		a.log.Debug("auth attempt with invalid password", zap.String("username", username), zap.String("addr", addr))
		return false
	}
	return true
}
