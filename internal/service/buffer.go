package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Key identifies one contact's pending turn.
type Key struct {
	Phone    string
	Instance string
}

// Meta carries the gateway coordinates delivered with the webhook event, so
// the flush can answer through the same server the message arrived on.
type Meta struct {
	ServerURL string
	APIKey    string
}

// FlushFunc receives the accumulated texts for one contact once the window
// closes.
type FlushFunc func(ctx context.Context, key Key, texts []string, meta Meta)

// Buffer debounces inbound messages: rapid bursts from one contact collapse
// into a single flush after a quiet window.
type Buffer struct {
	window time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[Key][]string
	meta    map[Key]Meta
	timers  map[Key]*time.Timer
	stopped bool
}

func NewBuffer(window time.Duration, flush FlushFunc) (*Buffer, error) {
	if window <= 0 {
		return nil, errors.New("window must be > 0")
	}
	if flush == nil {
		return nil, errors.New("flush must not be nil")
	}
	return &Buffer{
		window:  window,
		flush:   flush,
		pending: make(map[Key][]string),
		meta:    make(map[Key]Meta),
		timers:  make(map[Key]*time.Timer),
	}, nil
}

// Add queues a text for the contact. The first text for a key arms the
// window timer; later texts within the window ride along.
func (b *Buffer) Add(key Key, text string, meta Meta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		slog.Warn("buffer stopped, dropping message", "phone", key.Phone, "instance", key.Instance)
		return
	}

	b.pending[key] = append(b.pending[key], text)
	b.meta[key] = meta

	if _, armed := b.timers[key]; !armed {
		b.timers[key] = time.AfterFunc(b.window, func() { b.fire(key) })
		slog.Info("buffer window opened", "phone", key.Phone, "instance", key.Instance, "window", b.window.String())
	} else {
		slog.Info("message joined open window", "phone", key.Phone, "instance", key.Instance, "pending", len(b.pending[key]))
	}
}

// Pending reports the number of queued texts for a key.
func (b *Buffer) Pending(key Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[key])
}

// Stop cancels all armed timers. Queued texts are dropped; the gateway will
// redeliver nothing, matching a plain process restart.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true

	for key, timer := range b.timers {
		timer.Stop()
		delete(b.timers, key)
	}
	if n := len(b.pending); n > 0 {
		slog.Warn("buffer stopped with pending turns", "count", n)
	}
}

func (b *Buffer) fire(key Key) {
	b.mu.Lock()
	texts := b.pending[key]
	meta := b.meta[key]
	delete(b.pending, key)
	delete(b.meta, key)
	delete(b.timers, key)
	stopped := b.stopped
	b.mu.Unlock()

	if stopped || len(texts) == 0 {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("buffer flush panic recovered", "panic", r, "phone", key.Phone)
		}
	}()

	start := time.Now()
	b.flush(context.Background(), key, texts, meta)
	slog.Info("buffer flushed",
		"phone", key.Phone,
		"instance", key.Instance,
		"messages", len(texts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
