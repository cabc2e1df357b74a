// Package devices holds the simulated collaborator devices surrounding the
// generator: detector, collimator, patient table, dose monitor and room
// sensors. Each device runs at most one background goroutine and supports
// bounded-time shutdown.
package devices

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessarix/radhal/internal/fanout"
	"github.com/tessarix/radhal/internal/logging"
)

// Frame is one acquired detector frame. Payload handling lives outside this
// layer; only sequencing and timing matter here.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
}

// FrameCallback observes acquired frames.
type FrameCallback func(Frame)

// Detector is the capability surface of a flat-panel detector.
type Detector interface {
	Startup(ctx context.Context) error
	Shutdown() error
	Ready() bool
	StartAcquisition() error
	StopAcquisition() error
	RegisterFrameCallback(cb FrameCallback)
}

// SimulatedDetector emits synthetic frames on a fixed cadence while
// acquiring.
type SimulatedDetector struct {
	logger        zerolog.Logger
	frameInterval time.Duration

	ready     atomic.Bool
	acquiring atomic.Bool
	seq       atomic.Uint64

	frames fanout.Registry[Frame]

	mu     sync.Mutex
	cancel chan struct{}
	wg     sync.WaitGroup
}

// NewSimulatedDetector builds a detector emitting frames every interval.
func NewSimulatedDetector(frameInterval time.Duration, logger zerolog.Logger) *SimulatedDetector {
	if frameInterval <= 0 {
		frameInterval = 100 * time.Millisecond
	}
	return &SimulatedDetector{
		logger:        logging.Component(logger, "detector"),
		frameInterval: frameInterval,
	}
}

// Startup marks the detector ready.
func (d *SimulatedDetector) Startup(ctx context.Context) error {
	if d == nil {
		return errors.New("detector is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.ready.Store(true)
	d.logger.Info().Dur("frame_interval", d.frameInterval).Msg("detector ready")
	return nil
}

// Shutdown stops acquisition and marks the detector offline. Idempotent.
func (d *SimulatedDetector) Shutdown() error {
	if d == nil {
		return nil
	}
	_ = d.StopAcquisition()
	d.ready.Store(false)
	return nil
}

// Ready reports whether the detector can acquire. Backs the detector_ready
// interlock.
func (d *SimulatedDetector) Ready() bool {
	if d == nil {
		return false
	}
	return d.ready.Load()
}

// StartAcquisition begins the frame ticker. Acquiring twice is an error.
func (d *SimulatedDetector) StartAcquisition() error {
	if d == nil {
		return errors.New("detector is nil")
	}
	if !d.ready.Load() {
		return errors.New("detector not ready")
	}
	if !d.acquiring.CompareAndSwap(false, true) {
		return errors.New("acquisition already running")
	}
	d.mu.Lock()
	d.cancel = make(chan struct{})
	cancel := d.cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.acquireLoop(cancel)
	d.logger.Info().Msg("acquisition started")
	return nil
}

// StopAcquisition stops the frame ticker within one frame interval. It is a
// safe no-op when nothing is acquiring.
func (d *SimulatedDetector) StopAcquisition() error {
	if d == nil {
		return nil
	}
	if !d.acquiring.CompareAndSwap(true, false) {
		return nil
	}
	d.mu.Lock()
	if d.cancel != nil {
		close(d.cancel)
		d.cancel = nil
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info().Msg("acquisition stopped")
	return nil
}

// RegisterFrameCallback subscribes to acquired frames.
func (d *SimulatedDetector) RegisterFrameCallback(cb FrameCallback) {
	if d == nil || cb == nil {
		return
	}
	d.frames.Register(func(f Frame) { cb(f) })
}

func (d *SimulatedDetector) acquireLoop(cancel <-chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case ts := <-ticker.C:
			frame := Frame{Seq: d.seq.Add(1), Timestamp: ts}
			d.frames.Invoke(d.logger, frame)
		}
	}
}
