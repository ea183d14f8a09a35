// Package sink delivers domsieve events (verdicts, scans, renders, clips)
// to outputs.
package sink

import (
	"context"
	"time"

	"github.com/hazyhaar/domsieve/idgen"
)

// Event types.
const (
	TypeVerdict = "verdict"
	TypeScan    = "scan"
	TypeRender  = "render"
	TypeClip    = "clip"
	TypeError   = "error"
)

// Event is one observation emitted by a page engine.
type Event struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	PageID string `json:"page_id"`
	Time   int64  `json:"time"` // unix ms
	Data   any    `json:"data,omitempty"`
}

// NewEvent stamps a fresh event.
func NewEvent(typ, pageID string, data any) Event {
	return Event{ID: idgen.Event(), Type: typ, PageID: pageID, Time: time.Now().UnixMilli(), Data: data}
}

// Sink is an event output.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}
