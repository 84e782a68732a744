package codec

import "fmt"

// Slice is a piece of document with open start and end depths.
type Slice struct {
	Content   Fragment `json:"content,omitempty"`
	OpenStart int      `json:"openStart,omitempty"`
	OpenEnd   int      `json:"openEnd,omitempty"`
}

// Size is the number of positions the slice inserts.
func (s Slice) Size() int { return s.Content.Size() - s.OpenStart - s.OpenEnd }

// check verifies the open depths against the slice content. An open start
// of n needs a chain of n non-leaf nodes down the first children, and an
// open end likewise down the last children.
func (s Slice) check() error {
	if s.OpenStart < 0 || s.OpenEnd < 0 {
		return fmt.Errorf("negative slice open depth %d/%d", s.OpenStart, s.OpenEnd)
	}
	if limit := openDepth(s.Content, true); s.OpenStart > limit {
		return fmt.Errorf("slice openStart %d exceeds content depth %d", s.OpenStart, limit)
	}
	if limit := openDepth(s.Content, false); s.OpenEnd > limit {
		return fmt.Errorf("slice openEnd %d exceeds content depth %d", s.OpenEnd, limit)
	}
	return nil
}

// openDepth counts how deep the first (or last) child chain of f can be
// opened.
func openDepth(f Fragment, first bool) int {
	depth := 0
	for len(f) > 0 {
		n := f[len(f)-1]
		if first {
			n = f[0]
		}
		if n.IsLeaf() {
			break
		}
		depth++
		f = n.Content
	}
	return depth
}

// insertAt inserts fragment at pos inside the slice. It reports false when
// the position cannot take content.
func (s Slice) insertAt(pos int, fragment Fragment) (Slice, bool) {
	content, ok := insertInto(s.Content, pos+s.OpenStart, fragment)
	if !ok {
		return Slice{}, false
	}
	return Slice{Content: content, OpenStart: s.OpenStart, OpenEnd: s.OpenEnd}, true
}

func insertInto(content Fragment, dist int, insert Fragment) (Fragment, bool) {
	index, offset, err := content.findIndex(dist)
	if err != nil {
		return nil, false
	}
	var child *Node
	if index < len(content) {
		child = content[index]
	}
	if offset == dist || (child != nil && child.IsText()) {
		return content.Cut(0, dist).Append(insert).Append(content.Cut(dist, content.Size())), true
	}
	if child == nil {
		return nil, false
	}
	inner, ok := insertInto(child.Content, dist-offset-1, insert)
	if !ok {
		return nil, false
	}
	return content.ReplaceChild(index, child.Copy(inner)), true
}

// sliceDoc cuts the range from..to out of doc as a slice.
func sliceDoc(doc *Node, from, to int) (Slice, error) {
	if from == to {
		return Slice{}, nil
	}
	rf, err := Resolve(doc, from)
	if err != nil {
		return Slice{}, err
	}
	rt, err := Resolve(doc, to)
	if err != nil {
		return Slice{}, err
	}
	depth := rf.SharedDepth(to)
	start := rf.Start(depth)
	node := rf.Node(depth)
	content := node.Content.Cut(rf.Pos-start, rt.Pos-start)
	return Slice{Content: content, OpenStart: rf.Depth() - depth, OpenEnd: rt.Depth() - depth}, nil
}

// replaceRange replaces from..to in doc with slice.
func replaceRange(doc *Node, from, to int, slice Slice) (*Node, error) {
	if from > to {
		return nil, fmt.Errorf("invalid range %d..%d", from, to)
	}
	rf, err := Resolve(doc, from)
	if err != nil {
		return nil, err
	}
	rt, err := Resolve(doc, to)
	if err != nil {
		return nil, err
	}
	return replace(rf, rt, slice)
}

func replace(from, to *ResolvedPos, slice Slice) (*Node, error) {
	if err := slice.check(); err != nil {
		return nil, err
	}
	if slice.OpenStart > from.Depth() {
		return nil, fmt.Errorf("inserted content deeper than insertion position")
	}
	if from.Depth()-slice.OpenStart != to.Depth()-slice.OpenEnd {
		return nil, fmt.Errorf("inconsistent open depths")
	}
	return replaceOuter(from, to, slice, 0)
}

func replaceOuter(from, to *ResolvedPos, slice Slice, depth int) (*Node, error) {
	index := from.Index(depth)
	node := from.Node(depth)
	switch {
	case index == to.Index(depth) && depth < from.Depth()-slice.OpenStart:
		inner, err := replaceOuter(from, to, slice, depth+1)
		if err != nil {
			return nil, err
		}
		return node.Copy(node.Content.ReplaceChild(index, inner)), nil
	case slice.Content.Size() == 0:
		content, err := replaceTwoWay(from, to, depth)
		if err != nil {
			return nil, err
		}
		return node.Copy(content), nil
	case slice.OpenStart == 0 && slice.OpenEnd == 0 && from.Depth() == depth && to.Depth() == depth:
		parent := from.Parent()
		content := parent.Content
		merged := content.Cut(0, from.ParentOffset).
			Append(slice.Content).
			Append(content.Cut(to.ParentOffset, content.Size()))
		return parent.Copy(merged), nil
	default:
		start, end, err := prepareSliceForReplace(slice, from)
		if err != nil {
			return nil, err
		}
		content, err := replaceThreeWay(from, start, end, to, depth)
		if err != nil {
			return nil, err
		}
		return node.Copy(content), nil
	}
}

func checkJoin(main, sub *Node) error {
	if !compatibleContent(main, sub) {
		return fmt.Errorf("cannot join %s onto %s", sub.Type, main.Type)
	}
	return nil
}

func joinable(before, after *ResolvedPos, depth int) (*Node, error) {
	node := before.Node(depth)
	if err := checkJoin(node, after.Node(depth)); err != nil {
		return nil, err
	}
	return node, nil
}

// addRange copies the children of the ancestor at depth lying between start
// and end (either may be nil for "from the beginning"/"to the end").
func addRange(start, end *ResolvedPos, depth int, target *Fragment) {
	var node *Node
	if end != nil {
		node = end.Node(depth)
	} else {
		node = start.Node(depth)
	}
	startIndex, endIndex := 0, len(node.Content)
	if end != nil {
		endIndex = end.Index(depth)
	}
	if start != nil {
		startIndex = start.Index(depth)
		if start.Depth() > depth {
			startIndex++
		} else if start.TextOffset() > 0 {
			addNode(start.NodeAfter(), target)
			startIndex++
		}
	}
	for i := startIndex; i < endIndex; i++ {
		addNode(node.Content[i], target)
	}
	if end != nil && end.Depth() == depth && end.TextOffset() > 0 {
		addNode(end.NodeBefore(), target)
	}
}

func replaceThreeWay(from, start, end, to *ResolvedPos, depth int) (Fragment, error) {
	var openStart, openEnd *Node
	var err error
	if from.Depth() > depth {
		if openStart, err = joinable(from, start, depth+1); err != nil {
			return nil, err
		}
	}
	if to.Depth() > depth {
		if openEnd, err = joinable(end, to, depth+1); err != nil {
			return nil, err
		}
	}

	var content Fragment
	addRange(nil, from, depth, &content)
	if openStart != nil && openEnd != nil && start.Index(depth) == end.Index(depth) {
		if err := checkJoin(openStart, openEnd); err != nil {
			return nil, err
		}
		inner, err := replaceThreeWay(from, start, end, to, depth+1)
		if err != nil {
			return nil, err
		}
		addNode(openStart.Copy(inner), &content)
	} else {
		if openStart != nil {
			inner, err := replaceTwoWay(from, start, depth+1)
			if err != nil {
				return nil, err
			}
			addNode(openStart.Copy(inner), &content)
		}
		addRange(start, end, depth, &content)
		if openEnd != nil {
			inner, err := replaceTwoWay(end, to, depth+1)
			if err != nil {
				return nil, err
			}
			addNode(openEnd.Copy(inner), &content)
		}
	}
	addRange(to, nil, depth, &content)
	return content, nil
}

func replaceTwoWay(from, to *ResolvedPos, depth int) (Fragment, error) {
	var content Fragment
	addRange(nil, from, depth, &content)
	if from.Depth() > depth {
		typ, err := joinable(from, to, depth+1)
		if err != nil {
			return nil, err
		}
		inner, err := replaceTwoWay(from, to, depth+1)
		if err != nil {
			return nil, err
		}
		addNode(typ.Copy(inner), &content)
	}
	addRange(to, nil, depth, &content)
	return content, nil
}

// prepareSliceForReplace wraps the slice in copies of the ancestors of along
// so that its open sides can be resolved like positions in a document.
func prepareSliceForReplace(slice Slice, along *ResolvedPos) (*ResolvedPos, *ResolvedPos, error) {
	extra := along.Depth() - slice.OpenStart
	node := along.Node(extra).Copy(slice.Content)
	for i := extra - 1; i >= 0; i-- {
		node = along.Node(i).Copy(Fragment{node})
	}
	start, err := Resolve(node, slice.OpenStart+extra)
	if err != nil {
		return nil, nil, err
	}
	end, err := Resolve(node, node.ContentSize()-slice.OpenEnd-extra)
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

// contentBetween reports whether there is content other than node boundaries
// between from and to.
func contentBetween(doc *Node, from, to int) (bool, error) {
	rf, err := Resolve(doc, from)
	if err != nil {
		return false, err
	}
	dist, depth := to-from, rf.Depth()
	for dist > 0 && depth > 0 && rf.IndexAfter(depth) == len(rf.Node(depth).Content) {
		depth--
		dist--
	}
	if dist > 0 {
		var next *Node
		parent := rf.Node(depth)
		if i := rf.IndexAfter(depth); i < len(parent.Content) {
			next = parent.Content[i]
		}
		for dist > 0 {
			if next == nil || next.IsLeaf() {
				return true, nil
			}
			if len(next.Content) > 0 {
				next = next.Content[0]
			} else {
				next = nil
			}
			dist--
		}
	}
	return false, nil
}
