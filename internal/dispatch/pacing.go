package dispatch

import (
	"strings"
	"time"
)

// Pacer spaces sequential publish attempts inside a dispatch pass and
// classifies rate-limit failures. The fixed delay caps throughput at
// roughly 30 posts per minute, well below Twitter's per-15-minute
// ceiling of 300 per user.
type Pacer struct {
	delay time.Duration
	hints []string
}

const DefaultInterItemDelay = 2 * time.Second

var defaultRateLimitHints = []string{
	"rate limit",
	"429",
	"too many requests",
	"rate limit exceeded",
	"request limit exceeded",
}

func NewPacer(delay time.Duration, hints []string) *Pacer {
	if delay <= 0 {
		delay = DefaultInterItemDelay
	}
	if len(hints) == 0 {
		hints = defaultRateLimitHints
	}
	return &Pacer{delay: delay, hints: hints}
}

// DelayBeforeItem returns how long to wait before processing the item at
// the given batch index. The first item goes out immediately.
func (p *Pacer) DelayBeforeItem(index int) time.Duration {
	if index > 0 {
		return p.delay
	}
	return 0
}

// IsRateLimitError reports whether an error message looks like the remote
// platform throttling us. Matching is case-insensitive substring search.
func (p *Pacer) IsRateLimitError(message string) bool {
	lower := strings.ToLower(message)
	for _, hint := range p.hints {
		if strings.Contains(lower, strings.ToLower(hint)) {
			return true
		}
	}
	return false
}
