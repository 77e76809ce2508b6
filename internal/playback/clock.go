package playback

import (
	"math"
	"sync"
	"time"
)

// Clock simulates a video playback surface: a position that advances with
// wall time while playing, scaled by the playback rate and clamped to the
// duration.
type Clock struct {
	mu         sync.Mutex
	now        func() time.Time
	duration   float64
	nativeW    int
	nativeH    int
	rate       float64
	playing    bool
	anchorPos  float64
	anchorWall time.Time
}

// NewClock creates a paused clock at position 0.
func NewClock(duration float64, nativeW, nativeH int, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	if duration < 0 || math.IsNaN(duration) {
		duration = 0
	}
	return &Clock{
		now:      now,
		duration: duration,
		nativeW:  nativeW,
		nativeH:  nativeH,
		rate:     1,
	}
}

func (c *Clock) positionLocked() float64 {
	pos := c.anchorPos
	if c.playing {
		pos += c.now().Sub(c.anchorWall).Seconds() * c.rate
	}
	return math.Max(0, math.Min(pos, c.duration))
}

// reanchor folds elapsed play time into the anchor position.
func (c *Clock) reanchor() {
	c.anchorPos = c.positionLocked()
	c.anchorWall = c.now()
}

// Position returns the current playback position in seconds.
func (c *Clock) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

// Duration returns the video length in seconds.
func (c *Clock) Duration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// NativeSize returns the source video resolution.
func (c *Clock) NativeSize() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nativeW, c.nativeH
}

// Play starts advancing. Playing at the end restarts from the beginning.
func (c *Clock) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		return
	}
	if c.anchorPos >= c.duration {
		c.anchorPos = 0
	}
	c.playing = true
	c.anchorWall = c.now()
}

// Pause freezes the position.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.playing {
		return
	}
	c.reanchor()
	c.playing = false
}

// Seek jumps to t, clamped to [0, duration].
func (c *Clock) Seek(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if math.IsNaN(t) {
		return
	}
	c.anchorPos = math.Max(0, math.Min(t, c.duration))
	c.anchorWall = c.now()
}

// SetRate changes the playback speed. Non-positive rates are ignored.
func (c *Clock) SetRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return
	}
	c.reanchor()
	c.rate = rate
}

// Rate returns the playback speed.
func (c *Clock) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Playing reports whether the clock is advancing. It turns false once the
// position reaches the end.
func (c *Clock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked()
	return c.playing
}

// Ended reports whether playback stopped at the end.
func (c *Clock) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked()
	return !c.playing && c.anchorPos >= c.duration
}

func (c *Clock) settleLocked() {
	if c.playing && c.positionLocked() >= c.duration {
		c.anchorPos = c.duration
		c.anchorWall = c.now()
		c.playing = false
	}
}
