package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/aristath/taskflow/internal/logging"
)

// DeliverFunc handles one external event. Manager.OnExternalEvent fits.
type DeliverFunc func(ctx context.Context, ev ExternalEvent) (*Outcome, error)

// Inbox accepts external events without blocking the producer and delivers
// them to sessions from a single goroutine, in arrival order.
type Inbox struct {
	events  chan ExternalEvent
	deliver DeliverFunc
	log     *slog.Logger
	done    chan struct{}

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// NewInbox creates an inbox buffering up to bufferSize events.
func NewInbox(bufferSize int, deliver DeliverFunc, log *slog.Logger) *Inbox {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Inbox{
		events:  make(chan ExternalEvent, bufferSize),
		deliver: deliver,
		log:     logging.Component(log, "inbox"),
		done:    make(chan struct{}),
	}
}

// Start launches the delivery goroutine. It runs until ctx is cancelled.
func (in *Inbox) Start(ctx context.Context) {
	go in.run(ctx)
}

func (in *Inbox) run(ctx context.Context) {
	defer close(in.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in.events:
			out, err := in.deliver(ctx, ev)
			switch {
			case err != nil:
				in.failed.Add(1)
				in.log.Warn("event delivery failed", "session", ev.SessionID, "source", ev.Source, "error", err)
			case out == nil:
				// Unknown session; the manager already logged it.
				in.failed.Add(1)
			default:
				in.delivered.Add(1)
			}
		}
	}
}

// Post queues ev. It never blocks: when the buffer is full the event is
// dropped and Post returns false.
func (in *Inbox) Post(ev ExternalEvent) bool {
	select {
	case in.events <- ev:
		return true
	default:
		in.dropped.Add(1)
		in.log.Warn("inbox full, dropping event", "session", ev.SessionID, "source", ev.Source)
		return false
	}
}

// Stop blocks until the delivery goroutine has exited.
func (in *Inbox) Stop() {
	<-in.done
}

// Delivered returns the number of events that resumed a session.
func (in *Inbox) Delivered() int64 { return in.delivered.Load() }

// Failed returns the number of events that could not be delivered.
func (in *Inbox) Failed() int64 { return in.failed.Load() }

// Dropped returns the number of events rejected because the buffer was full.
func (in *Inbox) Dropped() int64 { return in.dropped.Load() }
