package pool

import (
	"time"

	"golang.org/x/time/rate"
)

// Config holds the pool's tunable timeouts.
type Config struct {
	RelayTimeout          time.Duration
	ResponseTimeout       time.Duration
	StreamingBufferWindow time.Duration
	IdleTimeout           time.Duration // zero disables idle-socket reaping
	PingIdleThreshold     time.Duration
	MaxBackoffLevel       int // n_max; level n delay is 2^n seconds, levels 0..MaxBackoffLevel
	HeartbeatInterval     time.Duration

	// PublishRateLimit/PublishRateBurst bound how fast EVENT frames are sent
	// to any single relay, so a large publish fan-out doesn't trip a relay's
	// own anti-spam throttling.
	PublishRateLimit rate.Limit
	PublishRateBurst int
}

// DefaultConfig returns the pool's default tunables.
func DefaultConfig() Config {
	return Config{
		RelayTimeout:          5 * time.Second,
		ResponseTimeout:       10 * time.Second,
		StreamingBufferWindow: 3 * time.Second,
		IdleTimeout:           0,
		PingIdleThreshold:     55 * time.Second,
		MaxBackoffLevel:       4,
		HeartbeatInterval:     10 * time.Second,
		PublishRateLimit:      rate.Limit(20),
		PublishRateBurst:      20,
	}
}

// maxRetries is the total attempt budget across all backoff levels
// (1+2+4+8+16 = 31 for MaxBackoffLevel=4)
func (c Config) maxRetries() int {
	total := 0
	for n := 0; n <= c.MaxBackoffLevel; n++ {
		total += 1 << uint(n)
	}
	return total
}

// backoffDelay returns the delay for backoff level n, capped at MaxBackoffLevel.
func (c Config) backoffDelay(level int) time.Duration {
	if level > c.MaxBackoffLevel {
		level = c.MaxBackoffLevel
	}
	return time.Duration(1<<uint(level)) * time.Second
}

// backoffLevelForAttempt returns the backoff level that owns the attempt
// with this 0-based index into the cumulative schedule: level n owns attempts [2^n - 1, 2^(n+1) - 2].
func backoffLevelForAttempt(attempt int) int {
	level := 0
	used := 0
	for {
		width := 1 << uint(level)
		if attempt < used+width {
			return level
		}
		used += width
		level++
	}
}
