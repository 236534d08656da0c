// Package history exports engine events to external systems. Sinks are fed
// from a bus subscription by Forward, off the scheduler's critical path.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/devtasks/internal/events"
)

// Sink is a destination for engine events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e events.Event) error
}

// Row is the flat shape every table-backed sink stores.
type Row struct {
	ID       string
	RunID    string
	Type     string
	At       time.Time
	Node     string
	From     string
	To       string
	Reason   string
	Error    string
	Stream   string
	Line     string
	Port     string
	Base     int
	Resolved int
}

func Flatten(e events.Event) Row {
	r := Row{ID: e.ID, RunID: e.RunID, Type: string(e.Type), At: e.At.UTC(), Node: e.Node}
	if s := e.State; s != nil {
		r.From, r.To, r.Reason, r.Error = s.From, s.To, s.Reason, s.Error
	}
	if p := e.Port; p != nil {
		r.Port, r.Base, r.Resolved = p.Port, p.Base, p.Resolved
	}
	if o := e.Output; o != nil {
		r.Stream, r.Line = string(o.Stream), o.Line
	}
	return r
}

// Forward drains sub into sinks until the subscription closes or ctx ends.
// A failing sink is logged and keeps receiving later events.
func Forward(ctx context.Context, sub *events.Subscription, log *slog.Logger, sinks ...Sink) {
	if log == nil {
		log = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			for _, s := range sinks {
				if err := s.Send(ctx, e); err != nil {
					log.Warn("history sink failed", slog.String("event", e.ID), slog.Any("error", err))
				}
			}
		}
	}
}

// Close closes every sink that holds resources.
func Close(sinks ...Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
