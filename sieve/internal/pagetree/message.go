package pagetree

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/render"
)

const (
	kindBatch  = "batch"
	kindClick  = "click"
	kindSignal = "signal"
)

// message is one binding payload. Doc names the document whose key space
// the payload's keys belong to.
type message struct {
	Kind     string          `json:"kind"`
	Doc      string          `json:"doc"`
	Batch    *livetree.Batch `json:"batch,omitempty"`
	Released []livetree.Key  `json:"released,omitempty"`
	Click    *Click          `json:"click,omitempty"`
	Signal   *render.Signal  `json:"signal,omitempty"`
}

func decodeMessage(payload string) (message, error) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return m, fmt.Errorf("pagetree: decode: %w", err)
	}
	if m.Doc == "" {
		return m, fmt.Errorf("pagetree: message without document id")
	}
	switch m.Kind {
	case kindBatch:
		if m.Batch == nil && len(m.Released) == 0 {
			return m, fmt.Errorf("pagetree: empty batch message")
		}
	case kindClick:
		if m.Click == nil || m.Click.Key == 0 {
			return m, fmt.Errorf("pagetree: click without control key")
		}
		if m.Click.ItemHTML == "" {
			return m, fmt.Errorf("pagetree: click without item markup")
		}
	case kindSignal:
		if m.Signal == nil {
			return m, fmt.Errorf("pagetree: signal without body")
		}
		if err := m.Signal.Validate(); err != nil {
			return m, err
		}
		if m.Signal.RenderID == "" {
			return m, fmt.Errorf("pagetree: signal without render id")
		}
	default:
		return m, fmt.Errorf("pagetree: unknown message kind %q", m.Kind)
	}
	return m, nil
}

// documents tracks which document the keys in flight belong to. The page
// script starts its key counter over on every document, so keys of a
// replaced document are void.
type documents struct {
	mu      sync.Mutex
	current string
	retired map[string]bool
}

// see reports whether keys from doc may be used and whether doc just
// replaced the current document. The first document seen is adopted.
func (d *documents) see(doc string) (ok, fresh bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case doc == d.current:
		return true, false
	case d.retired[doc]:
		return false, false
	case d.current == "":
		d.current = doc
		return true, false
	}
	if d.retired == nil {
		d.retired = make(map[string]bool)
	}
	d.retired[d.current] = true
	d.current = doc
	return true, true
}
