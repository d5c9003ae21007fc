// Package registry tracks live subscriber handles per location key.
//
// Broadcast copies the handle set under the lock and sends after releasing it,
// so a slow or failing handle never blocks Subscribe or Unsubscribe.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

// Subscriber is one live connection. Send must not block on network I/O.
type Subscriber interface {
	ID() string
	// Location is the raw key the subscriber asked for.
	Location() string
	Send(payload []byte) error
	Close() error
}

type Registry struct {
	mu     sync.RWMutex
	subs   map[string]map[string]Subscriber
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{subs: make(map[string]map[string]Subscriber), logger: logger}
}

// Subscribe adds h under key. Adding the same handle twice is a no-op; reports whether h was added.
func (r *Registry) Subscribe(key string, h Subscriber) bool {
	k := models.NormalizeLocation(key)
	if k == "" || h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[k]
	if !ok {
		set = make(map[string]Subscriber)
		r.subs[k] = set
	}
	if _, exists := set[h.ID()]; exists {
		return false
	}
	set[h.ID()] = h
	r.logger.Debug("subscriber added", zap.String("location", k), zap.String("subscriber_id", h.ID()), zap.Int("location_subscribers", len(set)))
	return true
}

// Unsubscribe removes h from key and drops the key once its set is empty. Reports whether h was present.
func (r *Registry) Unsubscribe(key string, h Subscriber) bool {
	k := models.NormalizeLocation(key)
	if h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[k]
	if !ok {
		return false
	}
	if _, exists := set[h.ID()]; !exists {
		return false
	}
	delete(set, h.ID())
	if len(set) == 0 {
		delete(r.subs, k)
	}
	r.logger.Debug("subscriber removed", zap.String("location", k), zap.String("subscriber_id", h.ID()))
	return true
}

// OnConnect registers a new connection under its own location.
func (r *Registry) OnConnect(h Subscriber) bool {
	return r.Subscribe(h.Location(), h)
}

// OnDisconnect is the single removal path for a closed or errored connection.
func (r *Registry) OnDisconnect(h Subscriber) bool {
	return r.Unsubscribe(h.Location(), h)
}

// Broadcast sends payload to every handle registered under key at call time.
// Handles whose Send fails are returned to the caller; they stay registered
// until their own disconnect path removes them.
func (r *Registry) Broadcast(key string, payload []byte) (delivered int, failed []Subscriber) {
	for _, h := range r.snapshot(models.NormalizeLocation(key)) {
		if err := h.Send(payload); err != nil {
			r.logger.Debug("send failed", zap.String("subscriber_id", h.ID()), zap.Error(err))
			failed = append(failed, h)
			continue
		}
		delivered++
	}
	return delivered, failed
}

func (r *Registry) snapshot(key string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[key]
	out := make([]Subscriber, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

// Count returns the number of registered handles across all keys.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.subs {
		n += len(set)
	}
	return n
}

// CountFor returns the number of handles registered under key.
func (r *Registry) CountFor(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[models.NormalizeLocation(key)])
}

// Keys returns the keys with at least one subscriber, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// CloseAll closes every handle. Used on shutdown; handles remove themselves via OnDisconnect.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var all []Subscriber
	for _, set := range r.subs {
		for _, h := range set {
			all = append(all, h)
		}
	}
	r.mu.RUnlock()
	for _, h := range all {
		_ = h.Close()
	}
}
