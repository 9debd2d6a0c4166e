package events

import (
	"context"
	"sync/atomic"
)

// ChannelPublisher delivers events to a Go channel. Publish never blocks: when
// the buffer is full the event is dropped and Dropped is incremented.
type ChannelPublisher struct {
	C       chan *Event
	Dropped atomic.Int64
}

// NewChannelPublisher creates a ChannelPublisher with the given buffer.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{C: make(chan *Event, buffer)}
}

func (p *ChannelPublisher) Publish(_ context.Context, event *Event) error {
	select {
	case p.C <- event:
	default:
		p.Dropped.Add(1)
	}
	return nil
}

// Drain returns every event currently buffered.
func (p *ChannelPublisher) Drain() []*Event {
	var out []*Event
	for {
		select {
		case e := <-p.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }
