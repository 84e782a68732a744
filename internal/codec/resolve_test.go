package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	doc, err := New().ParseTree([]byte(helloWorld))
	require.NoError(t, err)

	tests := []struct {
		pos          int
		depth        int
		parent       string
		parentOffset int
		textOffset   int
	}{
		{0, 0, "doc", 0, 0},
		{1, 1, "paragraph", 0, 0},
		{3, 1, "paragraph", 2, 2},
		{6, 1, "paragraph", 5, 0},
		{7, 0, "doc", 7, 0},
		{8, 1, "paragraph", 0, 0},
		{14, 0, "doc", 14, 0},
	}
	for _, tt := range tests {
		r, err := Resolve(doc, tt.pos)
		require.NoError(t, err, "pos %d", tt.pos)
		assert.Equal(t, tt.depth, r.Depth(), "depth at %d", tt.pos)
		assert.Equal(t, tt.parent, r.Parent().Type, "parent at %d", tt.pos)
		assert.Equal(t, tt.parentOffset, r.ParentOffset, "parentOffset at %d", tt.pos)
		assert.Equal(t, tt.textOffset, r.TextOffset(), "textOffset at %d", tt.pos)
	}

	_, err = Resolve(doc, 15)
	assert.Error(t, err)
	_, err = Resolve(doc, -1)
	assert.Error(t, err)
}

func TestResolve_NodeBeforeAfter(t *testing.T) {
	doc, err := New().ParseTree([]byte(helloWorld))
	require.NoError(t, err)

	r, err := Resolve(doc, 3)
	require.NoError(t, err)
	assert.Equal(t, "he", r.NodeBefore().Text)
	assert.Equal(t, "llo", r.NodeAfter().Text)

	r, err = Resolve(doc, 7)
	require.NoError(t, err)
	assert.Equal(t, "hello", r.NodeBefore().TextContent())
	assert.Equal(t, "world", r.NodeAfter().TextContent())
	assert.Equal(t, 0, r.SharedDepth(10))
}

func TestNodeSizes(t *testing.T) {
	doc, err := New().ParseTree([]byte(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"ab"},{"type":"hard_break"},{"type":"text","text":"😀"}]}]}`))
	require.NoError(t, err)

	assert.Equal(t, 7, doc.ContentSize())
	assert.Equal(t, "hard_break", doc.NodeAt(3).Type)
	assert.Equal(t, "text", doc.NodeAt(4).Type)
}
