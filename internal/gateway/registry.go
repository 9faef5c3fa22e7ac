package gateway

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"teleop-gateway/internal/session"
)

// Registry tracks live client connections by session id.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*client),
		logger:  logger,
	}
}

func (reg *Registry) add(c *client) {
	reg.mu.Lock()
	reg.clients[c.sess.ID()] = c
	n := len(reg.clients)
	reg.mu.Unlock()

	reg.logger.Info("Client connected",
		zap.String("session_id", c.sess.ID()),
		zap.String("remote", c.sess.Remote()),
		zap.Int("clients", n))
}

func (reg *Registry) remove(id string) {
	reg.mu.Lock()
	_, ok := reg.clients[id]
	delete(reg.clients, id)
	n := len(reg.clients)
	reg.mu.Unlock()

	if ok {
		reg.logger.Info("Client removed", zap.String("session_id", id), zap.Int("clients", n))
	}
}

func (reg *Registry) get(id string) (*client, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	c, ok := reg.clients[id]
	return c, ok
}

func (reg *Registry) all() []*client {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*client, 0, len(reg.clients))
	for _, c := range reg.clients {
		out = append(out, c)
	}
	return out
}

// Counts returns the number of connections and of registered controllers
// and viewers among them.
func (reg *Registry) Counts() (total, controllers, viewers int) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, c := range reg.clients {
		total++
		if !c.sess.State().Authenticated() {
			continue
		}
		switch c.sess.Role() {
		case session.RoleController:
			controllers++
		case session.RoleViewer:
			viewers++
		}
	}
	return total, controllers, viewers
}

// Sessions lists every live session, oldest first.
func (reg *Registry) Sessions() []session.Info {
	clients := reg.all()
	out := make([]session.Info, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.sess.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (reg *Registry) closeAll(reason string) {
	for _, c := range reg.all() {
		c.close(reason)
	}
}
