// Package router maps incoming MQTT topics to storage destinations using
// the broker's wildcard pattern rules.
package router

import (
	"strings"
	"sync"
)

// Route binds a topic pattern to a destination name. Patterns use the MQTT
// wildcard syntax: "+" matches exactly one segment, "#" matches any number
// of trailing segments and is only valid as the final segment.
type Route struct {
	Pattern     string
	Destination string
}

// Router resolves topics against an ordered list of routes. The first
// matching route wins. Resolutions are memoized per exact topic string;
// the cache is never invalidated because routes are fixed for the process
// lifetime, and it is bounded by the number of distinct topics actually
// published in this deployment.
type Router struct {
	routes []Route

	mu    sync.RWMutex
	cache map[string]string
}

// New creates a Router over the given routes. Route order is significant.
func New(routes []Route) *Router {
	return &Router{
		routes: routes,
		cache:  make(map[string]string),
	}
}

// Resolve returns the destination for topic, or ok=false if no route
// matches. An unmatched topic is an expected condition, not an error:
// callers log and drop the message.
func (r *Router) Resolve(topic string) (string, bool) {
	r.mu.RLock()
	dest, hit := r.cache[topic]
	r.mu.RUnlock()
	if hit {
		return dest, true
	}

	for _, route := range r.routes {
		if Matches(topic, route.Pattern) {
			r.mu.Lock()
			r.cache[topic] = route.Destination
			r.mu.Unlock()
			return route.Destination, true
		}
	}

	return "", false
}

// CacheSize returns the number of memoized resolutions.
func (r *Router) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Matches reports whether topic matches an MQTT subscription pattern.
func Matches(topic, pattern string) bool {
	topicParts := strings.Split(topic, "/")
	patternParts := strings.Split(pattern, "/")

	// "#" must be the final segment; it swallows all trailing topic segments.
	if idx := indexOf(patternParts, "#"); idx >= 0 {
		if idx != len(patternParts)-1 {
			return false
		}
		patternParts = patternParts[:idx]
		if len(topicParts) > len(patternParts) {
			topicParts = topicParts[:len(patternParts)]
		}
	}

	if len(topicParts) != len(patternParts) {
		return false
	}

	for i, patternPart := range patternParts {
		if patternPart != "+" && patternPart != topicParts[i] {
			return false
		}
	}

	return true
}

func indexOf(parts []string, token string) int {
	for i, p := range parts {
		if p == token {
			return i
		}
	}
	return -1
}
