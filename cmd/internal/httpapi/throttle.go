package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// slidingWindow is a per-key sliding-window limiter.
type slidingWindow struct {
	events []time.Time
}

// allow records an event at now if fewer than limit events fall inside the
// window. When denied it returns how long until the oldest event ages out.
func (s *slidingWindow) allow(now time.Time, limit int, window time.Duration) (bool, time.Duration) {
	cut := now.Add(-window)
	dst := s.events[:0]
	for _, t := range s.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	s.events = dst

	if len(s.events) >= limit {
		return false, s.events[0].Sub(cut)
	}
	s.events = append(s.events, now)
	return true, 0
}

// loginThrottle limits login attempts per client key.
type loginThrottle struct {
	mu     sync.Mutex
	keys   map[string]*slidingWindow
	limit  int
	window time.Duration

	lastSweep time.Time
}

func newLoginThrottle(limit int, window time.Duration) *loginThrottle {
	if limit <= 0 {
		return nil
	}
	return &loginThrottle{
		keys:   make(map[string]*slidingWindow),
		limit:  limit,
		window: window,
	}
}

// Allow is safe on a nil receiver, which never throttles.
func (l *loginThrottle) Allow(key string, now time.Time) (bool, time.Duration) {
	if l == nil || key == "" {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.window {
		l.sweep(now)
	}

	w, ok := l.keys[key]
	if !ok {
		w = &slidingWindow{events: make([]time.Time, 0, l.limit)}
		l.keys[key] = w
	}
	return w.allow(now, l.limit, l.window)
}

// sweep drops keys with no events inside the window.
func (l *loginThrottle) sweep(now time.Time) {
	cut := now.Add(-l.window)
	for k, w := range l.keys {
		if len(w.events) == 0 || !w.events[len(w.events)-1].After(cut) {
			delete(l.keys, k)
		}
	}
	l.lastSweep = now
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

// parseForwardedIP returns the left-most valid address in an
// X-Forwarded-For list.
func parseForwardedIP(raw string) net.IP {
	for _, part := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			return ip
		}
	}
	return nil
}
