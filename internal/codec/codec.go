package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// SchemaVersion identifies the tree schema revision written alongside every
// committed tree. Readers compare it before interpreting a stored tree.
const SchemaVersion = "2.1.0"

// Codec turns step payloads into Steps and applies them to trees.
type Codec struct {
	schema    *Schema
	validator *TreeValidator
}

// Option configures a Codec.
type Option func(*Codec)

// WithSchema replaces the default node schema.
func WithSchema(s *Schema) Option {
	return func(c *Codec) { c.schema = s }
}

// WithValidator validates every tree produced by ApplyAll.
func WithValidator(v *TreeValidator) Option {
	return func(c *Codec) { c.validator = v }
}

// New creates a codec using DefaultSchema unless overridden.
func New(opts ...Option) *Codec {
	c := &Codec{schema: DefaultSchema()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SchemaVersion returns the tree schema revision this codec writes.
func (c *Codec) SchemaVersion() string { return SchemaVersion }

// ParseTree decodes and binds a serialized tree.
func (c *Codec) ParseTree(data []byte) (*Node, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("parse tree: empty tree")
	}
	var n Node
	if err := decodeJSON(data, &n); err != nil {
		return nil, fmt.Errorf("parse tree: %w", err)
	}
	if err := c.schema.Bind(&n); err != nil {
		return nil, fmt.Errorf("parse tree: %w", err)
	}
	return &n, nil
}

// Decode parses a step payload and binds any nodes it carries.
func (c *Codec) Decode(payload json.RawMessage) (Step, error) {
	step, err := decodeStep(payload)
	if err != nil {
		return nil, err
	}
	var slice *Slice
	switch s := step.(type) {
	case *ReplaceStep:
		slice = s.Slice
	case *ReplaceAroundStep:
		slice = s.Slice
	}
	if slice != nil {
		if err := c.schema.BindFragment(slice.Content); err != nil {
			return nil, fmt.Errorf("decode %s step: %w", step.StepType(), err)
		}
		if err := slice.check(); err != nil {
			return nil, fmt.Errorf("decode %s step: %w", step.StepType(), err)
		}
	}
	return step, nil
}

// Apply applies a decoded step to tree.
func (c *Codec) Apply(tree *Node, step Step) (*Node, error) {
	return step.Apply(tree)
}

// Encode serializes a step to its wire form.
func (c *Codec) Encode(step Step) (json.RawMessage, error) {
	data, err := json.Marshal(step)
	if err != nil {
		return nil, fmt.Errorf("encode %s step: %w", step.StepType(), err)
	}
	var fields map[string]json.RawMessage
	if err := decodeJSON(data, &fields); err != nil {
		return nil, fmt.Errorf("encode %s step: %w", step.StepType(), err)
	}
	fields["stepType"] = json.RawMessage(strconv.Quote(step.StepType()))
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s step: %w", step.StepType(), err)
	}
	return out, nil
}

// ApplyAll decodes and applies payloads in order. It returns the new
// serialized tree and the re-encoded payloads. The first failing step is
// reported as a *StepError carrying its index; nothing is returned for a
// partially applied batch.
func (c *Codec) ApplyAll(tree json.RawMessage, payloads []json.RawMessage) (json.RawMessage, []json.RawMessage, error) {
	doc, err := c.ParseTree(tree)
	if err != nil {
		return nil, nil, &StepError{Index: -1, Err: err}
	}
	encoded := make([]json.RawMessage, len(payloads))
	for i, payload := range payloads {
		step, err := c.Decode(payload)
		if err != nil {
			return nil, nil, &StepError{Index: i, Err: err}
		}
		doc, err = c.Apply(doc, step)
		if err != nil {
			return nil, nil, &StepError{Index: i, StepType: step.StepType(), Err: err}
		}
		if encoded[i], err = c.Encode(step); err != nil {
			return nil, nil, &StepError{Index: i, StepType: step.StepType(), Err: err}
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, &StepError{Index: len(payloads) - 1, Err: fmt.Errorf("encode tree: %w", err)}
	}
	if c.validator != nil {
		if err := c.validator.Validate(out); err != nil {
			return nil, nil, &StepError{Index: len(payloads) - 1, Err: err}
		}
	}
	return out, encoded, nil
}
