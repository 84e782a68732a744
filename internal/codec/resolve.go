package codec

import "fmt"

type pathEntry struct {
	node   *Node
	index  int
	offset int
}

// ResolvedPos is a position with its full ancestry resolved.
type ResolvedPos struct {
	Pos          int
	ParentOffset int
	path         []pathEntry
}

// Resolve resolves pos inside doc.
func Resolve(doc *Node, pos int) (*ResolvedPos, error) {
	if pos < 0 || pos > doc.ContentSize() {
		return nil, fmt.Errorf("position %d out of range", pos)
	}
	var path []pathEntry
	start, parentOffset := 0, pos
	for node := doc; ; {
		index, offset, err := node.Content.findIndex(parentOffset)
		if err != nil {
			return nil, err
		}
		rem := parentOffset - offset
		path = append(path, pathEntry{node: node, index: index, offset: start + offset})
		if rem == 0 {
			break
		}
		node = node.Content[index]
		if node.IsText() {
			break
		}
		parentOffset = rem - 1
		start += offset + 1
	}
	return &ResolvedPos{Pos: pos, ParentOffset: parentOffset, path: path}, nil
}

// Depth is the number of ancestors between the position and the root.
func (r *ResolvedPos) Depth() int { return len(r.path) - 1 }

// Node returns the ancestor at depth.
func (r *ResolvedPos) Node(depth int) *Node { return r.path[depth].node }

// Index returns the child index of the position in the ancestor at depth.
func (r *ResolvedPos) Index(depth int) int { return r.path[depth].index }

// IndexAfter is the index pointing after the position in the ancestor at depth.
func (r *ResolvedPos) IndexAfter(depth int) int {
	index := r.Index(depth)
	if depth == r.Depth() && r.TextOffset() == 0 {
		return index
	}
	return index + 1
}

// Parent is the innermost ancestor.
func (r *ResolvedPos) Parent() *Node { return r.Node(r.Depth()) }

// Start is the absolute position where the ancestor at depth's content starts.
func (r *ResolvedPos) Start(depth int) int {
	if depth == 0 {
		return 0
	}
	return r.path[depth-1].offset + 1
}

// End is the absolute position where the ancestor at depth's content ends.
func (r *ResolvedPos) End(depth int) int {
	return r.Start(depth) + r.Node(depth).ContentSize()
}

// TextOffset is the offset into the text node the position points into, or 0.
func (r *ResolvedPos) TextOffset() int {
	return r.Pos - r.path[len(r.path)-1].offset
}

// NodeAfter returns the node directly after the position, cut if the position
// is inside a text node.
func (r *ResolvedPos) NodeAfter() *Node {
	parent := r.Parent()
	index := r.Index(r.Depth())
	if index == len(parent.Content) {
		return nil
	}
	child := parent.Content[index]
	if off := r.TextOffset(); off > 0 {
		return child.Cut(off, textLen(child.Text))
	}
	return child
}

// NodeBefore returns the node directly before the position.
func (r *ResolvedPos) NodeBefore() *Node {
	index := r.Index(r.Depth())
	if off := r.TextOffset(); off > 0 {
		return r.Parent().Content[index].Cut(0, off)
	}
	if index == 0 {
		return nil
	}
	return r.Parent().Content[index-1]
}

// SharedDepth is the depth of the deepest ancestor that also contains pos.
func (r *ResolvedPos) SharedDepth(pos int) int {
	for depth := r.Depth(); depth > 0; depth-- {
		if r.Start(depth) <= pos && r.End(depth) >= pos {
			return depth
		}
	}
	return 0
}
