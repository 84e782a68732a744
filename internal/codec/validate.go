package codec

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var treeSchemaSrc string

// TreeValidator checks serialized trees against the embedded CUE schema.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so Validate
// serializes callers.
type TreeValidator struct {
	mu  sync.Mutex
	ctx *cue.Context
	doc cue.Value
}

// NewTreeValidator compiles the embedded schema.
func NewTreeValidator() (*TreeValidator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(treeSchemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile tree schema: %w", err)
	}
	doc := schema.LookupPath(cue.ParsePath("#Doc"))
	if !doc.Exists() {
		return nil, fmt.Errorf("compile tree schema: #Doc not defined")
	}
	return &TreeValidator{ctx: ctx, doc: doc}, nil
}

// Validate reports whether tree is a well-formed document.
func (v *TreeValidator) Validate(tree []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	data := v.ctx.CompileBytes(tree, cue.Filename("tree.json"))
	if err := data.Err(); err != nil {
		return fmt.Errorf("tree is not valid JSON: %w", err)
	}
	if err := v.doc.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("tree does not match schema: %w", err)
	}
	return nil
}
