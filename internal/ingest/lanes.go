// Package ingest feeds positions from NATS into the tracker. Positions are
// spread over a fixed set of lanes by device so each device is handled by one
// goroutine, in arrival order, while different devices proceed in parallel.
package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/goodtune/triptrack/internal/trip"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("ingest: lanes closed")

// Handler consumes positions. *trip.Tracker satisfies it.
type Handler interface {
	OnPosition(ctx context.Context, pos trip.Position)
}

// Lanes is a pool of per-device ordered queues
type Lanes struct {
	handler Handler
	logger  zerolog.Logger
	lanes   []chan trip.Position

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewLanes creates count lanes each buffering up to buffer positions
func NewLanes(count, buffer int, handler Handler, logger zerolog.Logger) *Lanes {
	if count <= 0 {
		count = 1
	}
	if buffer < 0 {
		buffer = 0
	}

	l := &Lanes{
		handler: handler,
		logger:  logger.With().Str("component", "ingest").Logger(),
		lanes:   make([]chan trip.Position, count),
	}
	for i := range l.lanes {
		l.lanes[i] = make(chan trip.Position, buffer)
	}
	return l
}

// Start launches one worker per lane. Workers drain their lane until Close.
func (l *Lanes) Start(ctx context.Context) {
	for i, lane := range l.lanes {
		l.wg.Add(1)
		go func(id int, lane <-chan trip.Position) {
			defer l.wg.Done()
			for pos := range lane {
				l.handler.OnPosition(ctx, pos)
			}
			l.logger.Debug().Int("lane", id).Msg("Lane drained")
		}(i, lane)
	}

	l.logger.Info().Int("lanes", len(l.lanes)).Msg("Ingest lanes started")
}

func (l *Lanes) laneFor(deviceID string) chan trip.Position {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return l.lanes[h.Sum32()%uint32(len(l.lanes))]
}

// Submit queues a position on its device's lane, blocking while the lane is
// full
func (l *Lanes) Submit(ctx context.Context, pos trip.Position) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	select {
	case l.laneFor(pos.DeviceID) <- pos:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting positions and waits for queued ones to be handled
func (l *Lanes) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, lane := range l.lanes {
		close(lane)
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info().Msg("Ingest lanes stopped")
}
