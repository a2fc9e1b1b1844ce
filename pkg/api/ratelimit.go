package api

import (
	"net"
	"net/http"
	"time"
)

// ============
// Rate limiter
// ============
//
// The expensive endpoints (full dataset downloads, QR rendering, link
// creation) get a per-IP cooldown so one enthusiastic client cannot
// monopolize the encoder. State lives in a single goroutine behind a
// request channel, the same ownership style as the response cache.

type permitRequest struct {
	ip    string
	reply chan bool
}

// RateLimiter enforces one heavy request per IP per cooldown window.
// A nil limiter allows everything, which keeps tests and small deployments
// free of ceremony.
type RateLimiter struct {
	cooldown time.Duration
	requests chan permitRequest
	quit     chan struct{}
	now      func() time.Time
}

// NewRateLimiter starts the limiter goroutine. Non-positive cooldowns
// return nil, meaning no limiting.
func NewRateLimiter(cooldown time.Duration) *RateLimiter {
	if cooldown <= 0 {
		return nil
	}
	l := &RateLimiter{
		cooldown: cooldown,
		requests: make(chan permitRequest),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go l.loop()
	return l
}

// Close stops the limiter goroutine. Safe to call more than once.
func (l *RateLimiter) Close() {
	if l == nil {
		return
	}
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
}

// Allow reports whether the IP may run a heavy request now. Granting
// starts the cooldown immediately.
func (l *RateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	req := permitRequest{ip: ip, reply: make(chan bool, 1)}
	select {
	case <-l.quit:
		return true
	case l.requests <- req:
	}
	select {
	case <-l.quit:
		return true
	case ok := <-req.reply:
		return ok
	}
}

func (l *RateLimiter) loop() {
	lastSeen := make(map[string]time.Time)
	prune := time.NewTicker(10 * l.cooldown)
	defer prune.Stop()

	for {
		select {
		case <-l.quit:
			return
		case now := <-prune.C:
			for ip, seen := range lastSeen {
				if now.Sub(seen) > l.cooldown {
					delete(lastSeen, ip)
				}
			}
		case req := <-l.requests:
			now := l.now()
			if seen, ok := lastSeen[req.ip]; ok && now.Sub(seen) < l.cooldown {
				req.reply <- false
				continue
			}
			lastSeen[req.ip] = now
			req.reply <- true
		}
	}
}

// clientIP extracts the remote host, ignoring the port. Proxy headers are
// deliberately not trusted here; deployments behind a proxy terminate at
// localhost and can disable limiting instead.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
