package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/screenwiresh/screenwire/internal/config"
	"github.com/screenwiresh/screenwire/internal/protocol"
)

// rateLimiter is a sliding-window counter keyed by identity.
type rateLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	limit   int
	window  time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		entries: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	times := rl.entries[key]
	valid := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.entries[key] = valid
		return false
	}
	rl.entries[key] = append(valid, now)
	return true
}

// Limiter enforces the per-controller submission limits: an overall
// commands-per-minute budget, a tighter budget for screenshot-class
// commands, and a payload size cap.
type Limiter struct {
	commands    *rateLimiter
	screenshots *rateLimiter
	maxPayload  int
}

func NewLimiter(cfg config.LimitsConfig) *Limiter {
	return &Limiter{
		commands:    newRateLimiter(cfg.CommandsPerMinute, time.Minute),
		screenshots: newRateLimiter(cfg.ScreenshotsPerMinute, time.Minute),
		maxPayload:  cfg.MaxPayloadBytes,
	}
}

// screenshotClass marks the heavier commands that carry image payloads back.
func screenshotClass(cmd string) bool {
	return strings.HasPrefix(cmd, "screenshot")
}

// Check validates one submission. Returns nil when allowed, or the error to
// relay back to the submitting controller.
func (l *Limiter) Check(identity, cmd string, payloadLen int) *protocol.ErrorMessage {
	if l.maxPayload > 0 && payloadLen > l.maxPayload {
		e := protocol.NewError(protocol.CodePayloadTooLarge, "command payload exceeds size limit")
		return &e
	}
	if !l.commands.allow(identity) {
		e := protocol.NewError(protocol.CodeRateLimited, "command rate limit exceeded")
		return &e
	}
	if screenshotClass(cmd) && !l.screenshots.allow(identity) {
		e := protocol.NewError(protocol.CodeRateLimited, "screenshot rate limit exceeded")
		return &e
	}
	return nil
}
