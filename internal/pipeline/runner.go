// Package pipeline drives the analysis and render loops.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/normanking/visemesync/internal/audio"
	"github.com/normanking/visemesync/internal/avatar3d"
	"github.com/normanking/visemesync/internal/viseme"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxDelta caps the render step so a stalled loop does not jump.
const maxDelta float32 = 0.1

// FrameSource produces lip-sync frames.
type FrameSource interface {
	Analyze() (viseme.Frame, error)
}

// PoseRenderer advances and snapshots the avatar.
type PoseRenderer interface {
	Update(frame *viseme.Frame, dt float32) error
	Pose() avatar3d.Pose
}

// PoseSink receives every rendered pose.
type PoseSink interface {
	PublishPose(p avatar3d.Pose)
}

// PoseSinkFunc adapts a function to PoseSink.
type PoseSinkFunc func(p avatar3d.Pose)

func (f PoseSinkFunc) PublishPose(p avatar3d.Pose) { f(p) }

// Config sets the loop periods.
type Config struct {
	TickInterval   time.Duration
	RenderInterval time.Duration
}

// Runner owns the two loops. Frames pass between them through a single
// Latest slot.
type Runner struct {
	cfg      Config
	source   FrameSource
	renderer PoseRenderer
	sink     PoseSink
	latest   viseme.Latest
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRunner wires source to renderer. sink may be nil.
func NewRunner(cfg Config, source FrameSource, renderer PoseRenderer, sink PoseSink, logger zerolog.Logger) (*Runner, error) {
	if cfg.TickInterval <= 0 || cfg.RenderInterval <= 0 {
		return nil, fmt.Errorf("pipeline: intervals must be positive (tick %v, render %v)", cfg.TickInterval, cfg.RenderInterval)
	}
	if source == nil || renderer == nil {
		return nil, errors.New("pipeline: source and renderer are required")
	}
	return &Runner{
		cfg:      cfg,
		source:   source,
		renderer: renderer,
		sink:     sink,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
	}, nil
}

// Latest returns the most recent frame handed to the render loop.
func (r *Runner) Latest() *viseme.Frame {
	return r.latest.Load()
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.analysisLoop(gctx) })
	g.Go(func() error { return r.renderLoop(gctx) })

	r.logger.Info().
		Dur("tick", r.cfg.TickInterval).
		Dur("render", r.cfg.RenderInterval).
		Msg("Pipeline started")

	err := g.Wait()
	r.logger.Info().Msg("Pipeline stopped")
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (r *Runner) analysisLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.analyzeOnce()
		}
	}
}

// analyzeOnce runs one analysis tick. Lifecycle errors leave the last frame
// in place; the animator treats it as stale.
func (r *Runner) analyzeOnce() {
	frame, err := r.source.Analyze()
	switch {
	case err == nil:
		r.latest.Store(frame)
	case isNeutral(err):
	default:
		r.logger.Warn().Err(err).Msg("Analysis failed")
	}
}

func (r *Runner) renderLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.RenderInterval)
	defer ticker.Stop()

	last := r.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := r.now()
			r.renderOnce(delta(now.Sub(last)))
			last = now
		}
	}
}

func (r *Runner) renderOnce(dt float32) {
	err := r.renderer.Update(r.latest.Load(), dt)
	switch {
	case err == nil:
	case isNeutral(err):
		return
	default:
		r.logger.Warn().Err(err).Msg("Render update failed")
		return
	}
	if r.sink != nil {
		r.sink.PublishPose(r.renderer.Pose())
	}
}

func delta(d time.Duration) float32 {
	dt := float32(d.Seconds())
	if dt < 0 {
		return 0
	}
	if dt > maxDelta {
		return maxDelta
	}
	return dt
}

func isNeutral(err error) bool {
	return errors.Is(err, audio.ErrUnattached) ||
		errors.Is(err, audio.ErrDetached) ||
		errors.Is(err, audio.ErrInactive) ||
		errors.Is(err, avatar3d.ErrUnbound)
}
