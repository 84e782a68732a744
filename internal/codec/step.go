package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Step type names as they appear in the "stepType" field.
const (
	StepReplace       = "replace"
	StepReplaceAround = "replaceAround"
	StepAddMark       = "addMark"
	StepRemoveMark    = "removeMark"
	StepAttr          = "attr"
	StepDocAttr       = "docAttr"
)

// Step is one atomic edit of a document tree.
type Step interface {
	// StepType returns the wire name of the step.
	StepType() string
	// Apply returns the tree with the step applied. doc is not modified.
	Apply(doc *Node) (*Node, error)
}

// ReplaceStep replaces from..to with a slice.
type ReplaceStep struct {
	Type      string `json:"stepType"`
	From      int    `json:"from"`
	To        int    `json:"to"`
	Slice     *Slice `json:"slice,omitempty"`
	Structure bool   `json:"structure,omitempty"`
}

func (s *ReplaceStep) StepType() string { return StepReplace }

func (s *ReplaceStep) Apply(doc *Node) (*Node, error) {
	if s.Structure {
		between, err := contentBetween(doc, s.From, s.To)
		if err != nil {
			return nil, err
		}
		if between {
			return nil, fmt.Errorf("structure replace would overwrite content")
		}
	}
	return replaceRange(doc, s.From, s.To, s.slice())
}

func (s *ReplaceStep) slice() Slice {
	if s.Slice == nil {
		return Slice{}
	}
	return *s.Slice
}

// ReplaceAroundStep replaces from..to while keeping gapFrom..gapTo and moving
// it to insert inside the new slice. Used for wrapping and lifting.
type ReplaceAroundStep struct {
	Type      string `json:"stepType"`
	From      int    `json:"from"`
	To        int    `json:"to"`
	GapFrom   int    `json:"gapFrom"`
	GapTo     int    `json:"gapTo"`
	Insert    int    `json:"insert"`
	Slice     *Slice `json:"slice,omitempty"`
	Structure bool   `json:"structure,omitempty"`
}

func (s *ReplaceAroundStep) StepType() string { return StepReplaceAround }

func (s *ReplaceAroundStep) Apply(doc *Node) (*Node, error) {
	if s.GapFrom < s.From || s.GapTo > s.To || s.GapFrom > s.GapTo {
		return nil, fmt.Errorf("gap %d..%d outside of range %d..%d", s.GapFrom, s.GapTo, s.From, s.To)
	}
	if s.Structure {
		for _, r := range [][2]int{{s.From, s.GapFrom}, {s.GapTo, s.To}} {
			between, err := contentBetween(doc, r[0], r[1])
			if err != nil {
				return nil, err
			}
			if between {
				return nil, fmt.Errorf("structure gap-replace would overwrite content")
			}
		}
	}
	gap, err := sliceDoc(doc, s.GapFrom, s.GapTo)
	if err != nil {
		return nil, err
	}
	if gap.OpenStart != 0 || gap.OpenEnd != 0 {
		return nil, fmt.Errorf("gap is not a flat range")
	}
	var slice Slice
	if s.Slice != nil {
		slice = *s.Slice
	}
	inserted, ok := slice.insertAt(s.Insert, gap.Content)
	if !ok {
		return nil, fmt.Errorf("content does not fit in gap")
	}
	return replaceRange(doc, s.From, s.To, inserted)
}

// AddMarkStep adds a mark to all inline content between from and to.
type AddMarkStep struct {
	Type string `json:"stepType"`
	Mark Mark   `json:"mark"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

func (s *AddMarkStep) StepType() string { return StepAddMark }

func (s *AddMarkStep) Apply(doc *Node) (*Node, error) {
	return applyMarkChange(doc, s.From, s.To, func(n *Node) *Node {
		return n.WithMarks(s.Mark.AddToSet(n.Marks))
	})
}

// RemoveMarkStep removes a mark from all inline content between from and to.
type RemoveMarkStep struct {
	Type string `json:"stepType"`
	Mark Mark   `json:"mark"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

func (s *RemoveMarkStep) StepType() string { return StepRemoveMark }

func (s *RemoveMarkStep) Apply(doc *Node) (*Node, error) {
	return applyMarkChange(doc, s.From, s.To, func(n *Node) *Node {
		return n.WithMarks(s.Mark.RemoveFromSet(n.Marks))
	})
}

func applyMarkChange(doc *Node, from, to int, change func(*Node) *Node) (*Node, error) {
	if from > to {
		return nil, fmt.Errorf("invalid mark range %d..%d", from, to)
	}
	old, err := sliceDoc(doc, from, to)
	if err != nil {
		return nil, err
	}
	rf, err := Resolve(doc, from)
	if err != nil {
		return nil, err
	}
	parent := rf.Node(rf.SharedDepth(to))
	mapped := mapFragment(old.Content, func(n, parent *Node) *Node {
		if !n.IsLeaf() || parent.spec.NoMarks {
			return n
		}
		return change(n)
	}, parent)
	return replaceRange(doc, from, to, Slice{Content: mapped, OpenStart: old.OpenStart, OpenEnd: old.OpenEnd})
}

func mapFragment(f Fragment, fn func(n, parent *Node) *Node, parent *Node) Fragment {
	mapped := make([]*Node, 0, len(f))
	for _, child := range f {
		if len(child.Content) > 0 {
			child = child.Copy(mapFragment(child.Content, fn, child))
		}
		if child.IsInline() {
			child = fn(child, parent)
		}
		mapped = append(mapped, child)
	}
	return fragmentFromArray(mapped)
}

// AttrStep sets one attribute of the node at pos.
type AttrStep struct {
	Type  string `json:"stepType"`
	Pos   int    `json:"pos"`
	Attr  string `json:"attr"`
	Value any    `json:"value"`
}

func (s *AttrStep) StepType() string { return StepAttr }

func (s *AttrStep) Apply(doc *Node) (*Node, error) {
	node := doc.NodeAt(s.Pos)
	if node == nil {
		return nil, fmt.Errorf("no node at attribute step's position %d", s.Pos)
	}
	if node.IsText() {
		return nil, fmt.Errorf("attribute step at %d points into text", s.Pos)
	}
	// The replacement is open at its end so the node's existing content is
	// kept from the old tree.
	updated := node.WithAttrs(withAttr(node.Attrs, s.Attr, s.Value))
	openEnd := 0
	if !node.IsLeaf() {
		updated = updated.Copy(nil)
		openEnd = 1
	}
	return replaceRange(doc, s.Pos, s.Pos+1, Slice{Content: Fragment{updated}, OpenEnd: openEnd})
}

// DocAttrStep sets one attribute of the top-level node.
type DocAttrStep struct {
	Type  string `json:"stepType"`
	Attr  string `json:"attr"`
	Value any    `json:"value"`
}

func (s *DocAttrStep) StepType() string { return StepDocAttr }

func (s *DocAttrStep) Apply(doc *Node) (*Node, error) {
	return doc.WithAttrs(withAttr(doc.Attrs, s.Attr, s.Value)), nil
}

func withAttr(attrs map[string]any, name string, value any) map[string]any {
	out := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[name] = value
	return out
}

// decodeStep parses a step payload into its concrete type. Nodes inside the
// step are not bound to a schema yet.
func decodeStep(payload []byte) (Step, error) {
	var head struct {
		StepType string `json:"stepType"`
	}
	if err := decodeJSON(payload, &head); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}
	var step Step
	switch head.StepType {
	case StepReplace:
		step = &ReplaceStep{}
	case StepReplaceAround:
		step = &ReplaceAroundStep{}
	case StepAddMark:
		step = &AddMarkStep{}
	case StepRemoveMark:
		step = &RemoveMarkStep{}
	case StepAttr:
		step = &AttrStep{}
	case StepDocAttr:
		step = &DocAttrStep{}
	case "":
		return nil, fmt.Errorf("decode step: missing stepType")
	default:
		return nil, fmt.Errorf("decode step: unknown stepType %q", head.StepType)
	}
	if err := decodeJSON(payload, step); err != nil {
		return nil, fmt.Errorf("decode %s step: %w", head.StepType, err)
	}
	if err := requireFields(payload, head.StepType); err != nil {
		return nil, err
	}
	return step, nil
}

var requiredFields = map[string][]string{
	StepReplace:       {"from", "to"},
	StepReplaceAround: {"from", "to", "gapFrom", "gapTo", "insert"},
	StepAddMark:       {"from", "to", "mark"},
	StepRemoveMark:    {"from", "to", "mark"},
	StepAttr:          {"pos", "attr"},
	StepDocAttr:       {"attr"},
}

func requireFields(payload []byte, stepType string) error {
	var fields map[string]json.RawMessage
	if err := decodeJSON(payload, &fields); err != nil {
		return fmt.Errorf("decode %s step: %w", stepType, err)
	}
	for _, name := range requiredFields[stepType] {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("decode %s step: missing field %q", stepType, name)
		}
	}
	return nil
}

// decodeJSON decodes with json.Number so integer attributes round-trip
// exactly. data must hold a single JSON value.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}
