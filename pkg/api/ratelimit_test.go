package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterCooldown(t *testing.T) {
	limiter := NewRateLimiter(time.Minute)
	t.Cleanup(limiter.Close)

	if !limiter.Allow("10.0.0.1") {
		t.Fatal("first request should pass")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatal("second request inside the cooldown should be refused")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatal("other clients are unaffected")
	}
}

func TestRateLimiterRecovers(t *testing.T) {
	limiter := NewRateLimiter(20 * time.Millisecond)
	t.Cleanup(limiter.Close)

	if !limiter.Allow("10.0.0.1") {
		t.Fatal("first request should pass")
	}
	time.Sleep(40 * time.Millisecond)
	if !limiter.Allow("10.0.0.1") {
		t.Fatal("cooldown should have elapsed")
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var limiter *RateLimiter
	if !limiter.Allow("10.0.0.1") {
		t.Fatal("nil limiter must not block")
	}
	limiter.Close()
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	if ip := clientIP(req); ip != "192.0.2.7" {
		t.Fatalf("unexpected ip: %q", ip)
	}

	req.RemoteAddr = "192.0.2.8"
	if ip := clientIP(req); ip != "192.0.2.8" {
		t.Fatalf("portless address should pass through: %q", ip)
	}
}
