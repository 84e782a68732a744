package codec

import (
	"fmt"
	"reflect"
	"unicode/utf16"
)

// Node is one node of a document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content Fragment       `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`

	spec *NodeSpec
}

// Mark is inline formatting attached to a node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Eq reports whether two marks have the same type and attributes.
func (m Mark) Eq(o Mark) bool {
	return m.Type == o.Type && attrsEqual(m.Attrs, o.Attrs)
}

// AddToSet returns marks with m added. A mark of the same type is replaced.
func (m Mark) AddToSet(marks []Mark) []Mark {
	out := make([]Mark, 0, len(marks)+1)
	placed := false
	for _, existing := range marks {
		if existing.Eq(m) {
			return marks
		}
		if existing.Type == m.Type {
			if !placed {
				out = append(out, m)
				placed = true
			}
			continue
		}
		out = append(out, existing)
	}
	if !placed {
		out = append(out, m)
	}
	return out
}

// RemoveFromSet returns marks without m.
func (m Mark) RemoveFromSet(marks []Mark) []Mark {
	var out []Mark
	for _, existing := range marks {
		if !existing.Eq(m) {
			out = append(out, existing)
		}
	}
	return out
}

func marksEqual(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Eq(b[i]) {
			return false
		}
	}
	return true
}

func attrsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// IsText reports whether n is a text node.
func (n *Node) IsText() bool { return n.Type == "text" }

// IsLeaf reports whether n has no content positions.
func (n *Node) IsLeaf() bool { return n.IsText() || n.spec.Leaf }

// IsInline reports whether n lives inside a textblock.
func (n *Node) IsInline() bool { return n.IsText() || n.spec.Inline }

// Spec returns the bound node spec.
func (n *Node) Spec() *NodeSpec { return n.spec }

// NodeSize is the number of positions n occupies in its parent.
func (n *Node) NodeSize() int {
	switch {
	case n.IsText():
		return textLen(n.Text)
	case n.spec.Leaf:
		return 1
	default:
		return n.Content.Size() + 2
	}
}

// ContentSize is the size of n's content.
func (n *Node) ContentSize() int { return n.Content.Size() }

// Copy returns a node with the same markup and the given content.
func (n *Node) Copy(content Fragment) *Node {
	c := *n
	c.Content = content
	return &c
}

// WithText returns a text node with the same marks and new text.
func (n *Node) WithText(text string) *Node {
	c := *n
	c.Text = text
	return &c
}

// WithMarks returns n with a different mark set.
func (n *Node) WithMarks(marks []Mark) *Node {
	c := *n
	c.Marks = marks
	return &c
}

// WithAttrs returns n with a different attribute map.
func (n *Node) WithAttrs(attrs map[string]any) *Node {
	c := *n
	c.Attrs = attrs
	return &c
}

// Cut returns the part of n between from and to. For text nodes the offsets
// are UTF-16 offsets into the text, otherwise content positions.
func (n *Node) Cut(from, to int) *Node {
	if n.IsText() {
		if from == 0 && to == textLen(n.Text) {
			return n
		}
		return n.WithText(textSlice(n.Text, from, to))
	}
	if from == 0 && to == n.ContentSize() {
		return n
	}
	return n.Copy(n.Content.Cut(from, to))
}

// SameMarkup reports whether n and o have the same type, attributes and marks.
func (n *Node) SameMarkup(o *Node) bool {
	return n.Type == o.Type && attrsEqual(n.Attrs, o.Attrs) && marksEqual(n.Marks, o.Marks)
}

// NodeAt returns the node starting directly after pos, or nil.
func (n *Node) NodeAt(pos int) *Node {
	node := n
	for {
		index, offset, err := node.Content.findIndex(pos)
		if err != nil || index >= len(node.Content) {
			return nil
		}
		node = node.Content[index]
		if offset == pos || node.IsText() {
			return node
		}
		pos -= offset + 1
	}
}

// TextContent concatenates all text in n.
func (n *Node) TextContent() string {
	if n.IsText() {
		return n.Text
	}
	var out string
	for _, child := range n.Content {
		out += child.TextContent()
	}
	return out
}

// Fragment is an ordered list of sibling nodes.
type Fragment []*Node

// Size is the total size of the fragment's nodes.
func (f Fragment) Size() int {
	size := 0
	for _, n := range f {
		size += n.NodeSize()
	}
	return size
}

// Cut returns the part of the fragment between from and to.
func (f Fragment) Cut(from, to int) Fragment {
	if from == 0 && to == f.Size() {
		return f
	}
	var result Fragment
	if to > from {
		pos := 0
		for i := 0; i < len(f) && pos < to; i++ {
			child := f[i]
			end := pos + child.NodeSize()
			if end > from {
				if pos < from || end > to {
					if child.IsText() {
						child = child.Cut(max(0, from-pos), min(textLen(child.Text), to-pos))
					} else {
						child = child.Cut(max(0, from-pos-1), min(child.ContentSize(), to-pos-1))
					}
				}
				result = append(result, child)
			}
			pos = end
		}
	}
	return result
}

// Append concatenates two fragments, joining adjacent text nodes with the
// same markup.
func (f Fragment) Append(other Fragment) Fragment {
	if len(other) == 0 {
		return f
	}
	if len(f) == 0 {
		return other
	}
	out := make(Fragment, 0, len(f)+len(other))
	out = append(out, f...)
	last, first := f[len(f)-1], other[0]
	rest := other
	if last.IsText() && first.IsText() && last.SameMarkup(first) {
		out[len(out)-1] = last.WithText(last.Text + first.Text)
		rest = other[1:]
	}
	return append(out, rest...)
}

// ReplaceChild returns a copy of f with the child at index replaced.
func (f Fragment) ReplaceChild(index int, n *Node) Fragment {
	out := make(Fragment, len(f))
	copy(out, f)
	out[index] = n
	return out
}

// findIndex locates the child containing pos. It returns the child index and
// the position at which that child starts. A pos at a child boundary resolves
// to the child after the boundary.
func (f Fragment) findIndex(pos int) (int, int, error) {
	if pos == 0 {
		return 0, 0, nil
	}
	size := f.Size()
	if pos == size {
		return len(f), pos, nil
	}
	if pos > size || pos < 0 {
		return 0, 0, fmt.Errorf("position %d outside of fragment of size %d", pos, size)
	}
	cur := 0
	for i, child := range f {
		end := cur + child.NodeSize()
		if end >= pos {
			if end == pos {
				return i + 1, end, nil
			}
			return i, cur, nil
		}
		cur = end
	}
	return 0, 0, fmt.Errorf("position %d not found", pos)
}

// fragmentFromArray builds a fragment, joining adjacent text nodes that share
// markup.
func fragmentFromArray(nodes []*Node) Fragment {
	var out Fragment
	for _, n := range nodes {
		addNode(n, &out)
	}
	return out
}

// addNode appends child to target, merging it into a trailing text node with
// the same markup.
func addNode(child *Node, target *Fragment) {
	last := len(*target) - 1
	if last >= 0 && child.IsText() && (*target)[last].IsText() && child.SameMarkup((*target)[last]) {
		(*target)[last] = (*target)[last].WithText((*target)[last].Text + child.Text)
		return
	}
	*target = append(*target, child)
}

// textLen counts UTF-16 code units, the unit positions are measured in.
func textLen(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func textSlice(s string, from, to int) string {
	units := utf16.Encode([]rune(s))
	return string(utf16.Decode(units[from:to]))
}
