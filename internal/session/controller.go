// Package session maps conversation lifecycle events onto the animator state,
// the analyzed audio stream and analyzer activation.
package session

import (
	"context"
	"sync"

	"github.com/normanking/visemesync/internal/audio"
	"github.com/normanking/visemesync/internal/avatar3d"
	"github.com/normanking/visemesync/internal/bus"
	"github.com/rs/zerolog"
)

// StateSetter is the part of the animator the controller drives.
type StateSetter interface {
	SetState(s avatar3d.AnimationState) error
	State() avatar3d.AnimationState
}

// Activator toggles analyzer activity.
type Activator interface {
	SetActive(active bool)
}

// StreamSwitch selects which audio stream is analyzed.
type StreamSwitch interface {
	Select(kind audio.StreamKind) error
}

// reaction describes what a lifecycle event does.
type reaction struct {
	state  avatar3d.AnimationState
	active bool
	stream audio.StreamKind
}

var reactions = map[bus.EventType]reaction{
	bus.EventTypeConnecting:       {avatar3d.StateConnecting, false, audio.StreamInput},
	bus.EventTypeConnected:        {avatar3d.StateIdle, true, audio.StreamInput},
	bus.EventTypeDisconnected:     {avatar3d.StateIdle, false, audio.StreamInput},
	bus.EventTypeListeningStarted: {avatar3d.StateListening, true, audio.StreamInput},
	bus.EventTypeSpeakingStarted:  {avatar3d.StateSpeaking, true, audio.StreamOutput},
	bus.EventTypeSpeakingStopped:  {avatar3d.StateListening, true, audio.StreamInput},
	bus.EventTypeError:            {avatar3d.StateError, false, audio.StreamInput},
}

// Controller coordinates session state. Events arrive from bus goroutines;
// handling is serialized.
type Controller struct {
	animator StateSetter
	analyzer Activator
	streams  StreamSwitch
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a controller. streams may be nil when only one audio
// stream exists.
func NewController(animator StateSetter, analyzer Activator, streams StreamSwitch, eventBus *bus.EventBus, logger zerolog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		animator: animator,
		analyzer: analyzer,
		streams:  streams,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "session").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to lifecycle and state-request events.
func (c *Controller) Start() error {
	if c.eventBus != nil {
		c.eventBus.SubscribeMultiple(bus.SessionEvents, c.Handle)
		c.eventBus.Subscribe(bus.EventTypeAvatarStateRequested, c.Handle)
	}
	c.logger.Info().Msg("Session controller started")
	return nil
}

// Stop makes the controller ignore further events.
func (c *Controller) Stop() {
	c.cancel()
	c.logger.Info().Msg("Session controller stopped")
}

// Handle applies one event.
func (c *Controller) Handle(e bus.Event) {
	if c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Type == bus.EventTypeAvatarStateRequested {
		s, err := avatar3d.ParseState(e.String("state"))
		if err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring state request")
			return
		}
		c.setState(s, string(e.Type))
		return
	}

	r, ok := reactions[e.Type]
	if !ok {
		c.logger.Debug().Str("event", string(e.Type)).Msg("Unhandled event")
		return
	}

	if c.streams != nil {
		if err := c.streams.Select(r.stream); err != nil {
			c.logger.Warn().Err(err).Str("stream", string(r.stream)).Msg("Failed to select audio stream")
		}
	}
	if c.analyzer != nil {
		c.analyzer.SetActive(r.active)
	}
	if e.Type == bus.EventTypeError {
		c.logger.Error().Str("reason", e.String("error")).Msg("Session error")
	}
	c.setState(r.state, string(e.Type))
}

func (c *Controller) setState(s avatar3d.AnimationState, cause string) {
	old := c.animator.State()
	if err := c.animator.SetState(s); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set animation state")
		return
	}
	if old == s {
		return
	}

	c.logger.Info().Str("old", string(old)).Str("new", string(s)).Str("cause", cause).Msg("Avatar state changed")
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypeAvatarStateChanged,
			Data: map[string]any{
				"old_state": string(old),
				"new_state": string(s),
			},
		})
	}
}
