// Package dunes defines the seam for the sibling dunes overlay. The overlay
// itself is out of scope here (§1): this package exists so the driver has a
// stable interface to gate on IndexDunes without importing an overlay that
// doesn't exist yet.
package dunes

import (
	"github.com/klingon-exchange/ord-index/internal/model"
)

// BlockContext mirrors bit20.BlockContext so a future overlay slots into the
// driver the same way BIT-20 does.
type BlockContext struct {
	Height uint32
	Time   int64
}

// Overlay is implemented by the sibling dunes package once it exists. The
// driver calls Apply with the same operation stream it hands to BIT-20.
type Overlay interface {
	Apply(ops []model.InscriptionOp, ctx BlockContext) error
}

// Noop satisfies Overlay without doing anything, letting IndexDunes be
// turned on in config ahead of a real implementation without the driver
// special-casing a nil overlay.
type Noop struct{}

func (Noop) Apply(ops []model.InscriptionOp, ctx BlockContext) error { return nil }
