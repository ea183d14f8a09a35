package sieve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hazyhaar/domsieve/sieve/internal/sink"
)

// Event types and sink constructors, re-exported.
type (
	Sink      = sink.Sink
	Event     = sink.Event
	EventFunc = sink.Func
)

const (
	EventVerdict = sink.TypeVerdict
	EventScan    = sink.TypeScan
	EventRender  = sink.TypeRender
	EventClip    = sink.TypeClip
	EventError   = sink.TypeError
)

var (
	NewStdoutSink   = sink.NewStdout
	NewCallbackSink = sink.NewCallback
	NewWebhookSink  = sink.NewWebhook
)

// buildSinks turns the sink configuration into sinks. No configuration
// means JSON lines on stdout.
func buildSinks(cfgs []SinkConfig, stdout io.Writer, logger *slog.Logger) ([]sink.Sink, error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if len(cfgs) == 0 {
		return []sink.Sink{sink.NewStdout(stdout)}, nil
	}
	out := make([]sink.Sink, 0, len(cfgs))
	for _, c := range cfgs {
		switch c.Type {
		case "stdout":
			out = append(out, sink.NewStdout(stdout))
		case "webhook":
			opts := []sink.WebhookOption{sink.WithWebhookLogger(logger)}
			if len(c.Types) > 0 {
				opts = append(opts, sink.WithWebhookTypes(c.Types...))
			}
			out = append(out, sink.NewWebhook(c.URL, opts...))
		default:
			return nil, fmt.Errorf("sieve: unknown sink type %q", c.Type)
		}
	}
	return out, nil
}

// emit queues ev for the sinks without blocking. Engine hooks call it from
// the engine goroutine.
func (w *Watcher) emit(typ, pageID string, data any) {
	ev := sink.NewEvent(typ, pageID, data)
	select {
	case w.events <- ev:
	default:
		w.metrics.eventsDropped.Inc()
		w.logger.Warn("sieve: event dropped", "type", typ, "page", pageID)
	}
}

// pump delivers queued events until ctx ends, then drains what is left.
func (w *Watcher) pump(ctx context.Context) error {
	// The router logs failures per sink.
	send := func(ev sink.Event) { _ = w.sinks.Send(context.WithoutCancel(ctx), ev) }
	for {
		select {
		case ev := <-w.events:
			send(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-w.events:
					send(ev)
				default:
					return nil
				}
			}
		}
	}
}
