package itlink

import "time"

// Bucket is the per-link token bucket gating send pacing (spec.md §4.1.3):
// rate RATE_LIMIT_KBPS, capacity BUCKET_CAP, refilled every
// BUCKET_FILL_USEC. Link.PollDissemination takes one token for each
// requestResources callback it fires, whatever the callback then sends.
type Bucket struct {
	capacity     float64
	ratePerUsec  float64
	tokens       float64
	lastFilled   time.Time
}

func NewBucket(rateKBps float64, capacity float64) *Bucket {
	return &Bucket{
		capacity:    capacity,
		ratePerUsec: rateKBps * 1000 / 1e6, // bytes per microsecond
		tokens:      capacity,
		lastFilled:  time.Now(),
	}
}

// Fill tops up tokens proportional to elapsed time since the last fill,
// capped at capacity.
func (b *Bucket) Fill(now time.Time) {
	elapsedUsec := float64(now.Sub(b.lastFilled).Microseconds())
	if elapsedUsec <= 0 {
		return
	}
	b.tokens += elapsedUsec * b.ratePerUsec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastFilled = now
}

// Take consumes n bytes worth of tokens if available, returning whether
// the caller may proceed.
func (b *Bucket) Take(n float64) bool {
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

func (b *Bucket) Tokens() float64 { return b.tokens }
