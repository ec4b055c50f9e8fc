// Package ratelimit implements the per-channel admission governor. Each
// logical channel owns a token bucket; acquisition blocks until a token is
// available. Channels that hit 429/503 responses get their refill rate
// halved and geometrically restored while traffic stays clean.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Channel names one rate-accounting bucket.
type Channel string

const (
	ChannelModelAPI  Channel = "model-api"
	ChannelImageAPI  Channel = "image-api"
	ChannelModelFile Channel = "model-file"
	ChannelImageFile Channel = "image-file"
)

const (
	restoreInterval = time.Minute
	restoreFactor   = 1.25
	throttleFactor  = 0.5
)

type bucket struct {
	limiter *rate.Limiter
	ceiling rate.Limit // configured maximum refill rate

	mu            sync.Mutex
	current       rate.Limit
	lastThrottled time.Time
}

// Governor holds one token bucket per channel. File channels carry no
// token limit of their own (the scheduler's pipeline permits bound them),
// so only the API channels are registered by default.
type Governor struct {
	mu      sync.Mutex
	buckets map[Channel]*bucket

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGovernor builds a governor with the two API channels configured.
// modelRps and imageRps are tokens per second; bursts follow the spec
// defaults (1 and 4 respectively).
func NewGovernor(modelRps, imageRps float64) *Governor {
	g := &Governor{buckets: map[Channel]*bucket{}}
	g.register(ChannelModelAPI, modelRps, 1)
	g.register(ChannelImageAPI, imageRps, 4)
	return g
}

func (g *Governor) register(ch Channel, rps float64, burst int) {
	lim := rate.Limit(rps)
	g.buckets[ch] = &bucket{
		limiter: rate.NewLimiter(lim, burst),
		ceiling: lim,
		current: lim,
	}
}

// Start launches the restore loop. The loop raises throttled channels by
// restoreFactor per clean minute until they reach their ceiling again.
func (g *Governor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel
	g.done = make(chan struct{})
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(restoreInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.restoreAll()
			}
		}
	}()
}

// Shutdown stops the restore loop.
func (g *Governor) Shutdown() {
	if g.cancel != nil {
		g.cancel()
		<-g.done
	}
}

// Acquire blocks until a token is available on the channel or the context
// is cancelled. Channels without a bucket (the file channels) admit
// immediately.
func (g *Governor) Acquire(ctx context.Context, ch Channel) error {
	g.mu.Lock()
	b, ok := g.buckets[ch]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("acquiring %s token: %w", ch, err)
	}
	return nil
}

// OnThrottled halves the channel's refill rate after a 429 or 503.
func (g *Governor) OnThrottled(ch Channel) {
	g.mu.Lock()
	b, ok := g.buckets[ch]
	g.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = rate.Limit(float64(b.current) * throttleFactor)
	b.lastThrottled = time.Now()
	b.limiter.SetLimit(b.current)
	log.WithField("channel", ch).Warnf("Rate limited upstream, refill rate halved to %.3f/s", float64(b.current))
}

// Rate returns the channel's current refill rate in tokens per second.
// Channels without a bucket report 0.
func (g *Governor) Rate(ch Channel) float64 {
	g.mu.Lock()
	b, ok := g.buckets[ch]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.current)
}

func (g *Governor) restoreAll() {
	g.mu.Lock()
	buckets := make([]*bucket, 0, len(g.buckets))
	names := make([]Channel, 0, len(g.buckets))
	for ch, b := range g.buckets {
		buckets = append(buckets, b)
		names = append(names, ch)
	}
	g.mu.Unlock()

	for i, b := range buckets {
		b.mu.Lock()
		if b.current < b.ceiling && time.Since(b.lastThrottled) >= restoreInterval {
			b.current = rate.Limit(float64(b.current) * restoreFactor)
			if b.current > b.ceiling {
				b.current = b.ceiling
			}
			b.limiter.SetLimit(b.current)
			log.WithField("channel", names[i]).Debugf("Refill rate restored to %.3f/s", float64(b.current))
		}
		b.mu.Unlock()
	}
}
