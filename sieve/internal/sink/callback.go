package sink

import "context"

// Func receives events in-process.
type Func func(ctx context.Context, ev Event) error

// Callback delivers events through a Go function call, optionally only
// those of the listed types.
type Callback struct {
	fn    Func
	types map[string]bool
}

// NewCallback wraps fn. With no types every event is delivered.
func NewCallback(fn Func, types ...string) *Callback {
	c := &Callback{fn: fn}
	if len(types) > 0 {
		c.types = make(map[string]bool, len(types))
		for _, t := range types {
			c.types[t] = true
		}
	}
	return c
}

func (c *Callback) Send(ctx context.Context, ev Event) error {
	if c.fn == nil || (c.types != nil && !c.types[ev.Type]) {
		return nil
	}
	return c.fn(ctx, ev)
}

func (c *Callback) Close() error { return nil }
