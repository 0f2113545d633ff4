// Package eventbus fans surface events out to interested subscribers.
package eventbus

import (
	"context"
	"time"

	"github.com/coachpo/mprview/internal/app/viewport"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Kind classifies bus events.
type Kind string

const (
	// KindProgress carries a load milestone.
	KindProgress Kind = "progress"
	// KindState carries a surface state transition.
	KindState Kind = "state"
)

// Event is one surface event. Exactly one of Progress and Transition is set.
type Event struct {
	Kind       Kind                    `json:"kind"`
	SurfaceID  string                  `json:"surfaceId"`
	At         time.Time               `json:"at"`
	Progress   *viewport.ProgressEvent `json:"progress,omitempty"`
	Transition *viewport.Transition    `json:"transition,omitempty"`
}

// Bus delivers surface events to subscribers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe registers for events of one surface, or of every surface when surfaceID is empty.
	Subscribe(ctx context.Context, surfaceID string) (SubscriptionID, <-chan Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
