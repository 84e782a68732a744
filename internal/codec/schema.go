package codec

import "fmt"

// NodeSpec describes how a node type behaves for position arithmetic and joins.
type NodeSpec struct {
	Name string
	// Leaf nodes have no content and count as a single position.
	Leaf bool
	// Inline nodes live inside textblocks and can carry marks.
	Inline bool
	// Content names the kind of children the node holds ("inline", "block", ...).
	// Two nodes with the same non-empty Content may be joined.
	Content string
	// NoMarks disallows marks on the node's inline children (code blocks).
	NoMarks bool
}

// Schema maps node type names to specs.
type Schema struct {
	nodes map[string]*NodeSpec
	// Strict rejects node types that are not registered. Otherwise unknown
	// types are treated as non-leaf block containers.
	Strict bool
}

var textSpec = &NodeSpec{Name: "text", Leaf: true, Inline: true}

// NewSchema builds a schema from specs.
func NewSchema(specs ...NodeSpec) *Schema {
	s := &Schema{nodes: make(map[string]*NodeSpec, len(specs))}
	for i := range specs {
		spec := specs[i]
		s.nodes[spec.Name] = &spec
	}
	return s
}

// DefaultSchema returns the manuscript node set.
func DefaultSchema() *Schema {
	return NewSchema(
		NodeSpec{Name: "doc", Content: "block"},
		NodeSpec{Name: "paragraph", Content: "inline"},
		NodeSpec{Name: "heading", Content: "inline"},
		NodeSpec{Name: "section_title", Content: "inline"},
		NodeSpec{Name: "figcaption", Content: "inline"},
		NodeSpec{Name: "code_block", Content: "inline", NoMarks: true},
		NodeSpec{Name: "blockquote", Content: "block"},
		NodeSpec{Name: "section", Content: "block"},
		NodeSpec{Name: "figure", Content: "block"},
		NodeSpec{Name: "footnote", Content: "block"},
		NodeSpec{Name: "bullet_list", Content: "list"},
		NodeSpec{Name: "ordered_list", Content: "list"},
		NodeSpec{Name: "list_item", Content: "block"},
		NodeSpec{Name: "table", Content: "table"},
		NodeSpec{Name: "table_row", Content: "row"},
		NodeSpec{Name: "table_cell", Content: "block"},
		NodeSpec{Name: "table_header", Content: "block"},
		NodeSpec{Name: "image", Leaf: true, Inline: true},
		NodeSpec{Name: "hard_break", Leaf: true, Inline: true},
		NodeSpec{Name: "inline_equation", Leaf: true, Inline: true},
		NodeSpec{Name: "citation", Leaf: true, Inline: true},
		NodeSpec{Name: "horizontal_rule", Leaf: true},
	)
}

// Spec returns the spec for a node type.
func (s *Schema) Spec(name string) (*NodeSpec, error) {
	if name == "text" {
		return textSpec, nil
	}
	if spec, ok := s.nodes[name]; ok {
		return spec, nil
	}
	if s.Strict {
		return nil, fmt.Errorf("unknown node type %q", name)
	}
	return &NodeSpec{Name: name}, nil
}

// Bind attaches specs to a freshly decoded tree. Nodes must be bound before
// any position arithmetic is done on them.
func (s *Schema) Bind(n *Node) error {
	if n == nil {
		return fmt.Errorf("nil node")
	}
	if n.Type == "" {
		return fmt.Errorf("node without type")
	}
	spec, err := s.Spec(n.Type)
	if err != nil {
		return err
	}
	n.spec = spec
	if n.IsText() {
		if n.Text == "" {
			return fmt.Errorf("empty text node")
		}
		if len(n.Content) > 0 {
			return fmt.Errorf("text node with content")
		}
		return nil
	}
	if spec.Leaf && len(n.Content) > 0 {
		return fmt.Errorf("leaf node %q with content", n.Type)
	}
	for _, child := range n.Content {
		if err := s.Bind(child); err != nil {
			return err
		}
	}
	return nil
}

// BindFragment binds every node of a fragment.
func (s *Schema) BindFragment(f Fragment) error {
	for _, n := range f {
		if err := s.Bind(n); err != nil {
			return err
		}
	}
	return nil
}

// compatibleContent reports whether b's content can be joined onto a.
func compatibleContent(a, b *Node) bool {
	if a.Type == b.Type {
		return true
	}
	return a.spec.Content != "" && a.spec.Content == b.spec.Content
}
