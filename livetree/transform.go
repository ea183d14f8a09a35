package livetree

import (
	"context"
	"fmt"
)

// Transformer applies the observable effect of a verdict. The engine calls
// Apply once per verdict transition of an element: with a Matched verdict
// when the effect is not in place yet, and with a Rejected verdict when it
// is and the transformer is Reversible. Apply must be idempotent.
type Transformer interface {
	Apply(ctx context.Context, tree Tree, c Candidate, v Verdict) error
	Reversible() bool
}

// Rechecker is implemented by transformers whose elements must be
// classified on every scan instead of trusting a settled mark, because the
// host page may rebuild the element's subtree behind our back.
type Rechecker interface {
	Recheck() bool
}

// Resetter is implemented by transformers that keep per-element state of
// their own. The engine resets them together with the Mark Store.
type Resetter interface {
	Reset()
}

// Suppress hides matched elements and restores them when a later verdict
// rejects them.
type Suppress struct{}

func (Suppress) Apply(ctx context.Context, tree Tree, c Candidate, v Verdict) error {
	return tree.SetHidden(ctx, c.Key, v.Mark == Matched)
}

func (Suppress) Reversible() bool { return true }

// Renderer builds the owned fragment that replaces a matched element.
type Renderer interface {
	Fragment(c Candidate) (string, error)
}

// Replace hides the matched element's anchor and inserts a rendered
// sibling after it. The replacement is permanent.
type Replace struct {
	Renderer Renderer
}

func (r Replace) Apply(ctx context.Context, tree Tree, c Candidate, v Verdict) error {
	if v.Mark != Matched {
		return nil
	}
	anchor := c.Anchor
	if anchor == 0 {
		anchor = c.Key
	}
	frag, err := r.Renderer.Fragment(c)
	if err != nil {
		return fmt.Errorf("livetree: render fragment: %w", err)
	}
	if err := tree.InsertAfter(ctx, anchor, frag); err != nil {
		return err
	}
	return tree.SetHidden(ctx, anchor, true)
}

func (Replace) Reversible() bool { return false }

// Control builds the owned fragment appended by Augment.
type Control interface {
	Fragment(c Candidate) string
}

// Augment attaches an interactive control to matched elements. The
// classifier decides "matched" from the presence check computed by the
// backend, so Augment re-evaluates on every scan and re-attaches the
// control whenever the host page dropped it.
type Augment struct {
	Control Control
}

func (a Augment) Apply(ctx context.Context, tree Tree, c Candidate, v Verdict) error {
	if v.Mark != Matched || c.HasControl {
		return nil
	}
	return tree.Append(ctx, c.Key, a.Control.Fragment(c))
}

// Reversible is true so the engine clears its bookkeeping once the control
// is observed in place; the tree itself is left untouched.
func (Augment) Reversible() bool { return true }

func (Augment) Recheck() bool { return true }
