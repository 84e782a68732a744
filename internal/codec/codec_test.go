package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helloWorld is doc(p("hello"), p("world")).
//
// Positions: 0 before the first paragraph, 1..6 around "hello", 7 between
// the paragraphs, 8..13 around "world", 14 at the end.
const helloWorld = `{"type":"doc","content":[
	{"type":"paragraph","content":[{"type":"text","text":"hello"}]},
	{"type":"paragraph","content":[{"type":"text","text":"world"}]}
]}`

func applySteps(t *testing.T, c *Codec, tree string, steps ...string) (string, error) {
	t.Helper()
	payloads := make([]json.RawMessage, len(steps))
	for i, s := range steps {
		payloads[i] = json.RawMessage(s)
	}
	out, _, err := c.ApplyAll(json.RawMessage(tree), payloads)
	return string(out), err
}

func mustApply(t *testing.T, tree string, steps ...string) string {
	t.Helper()
	out, err := applySteps(t, New(), tree, steps...)
	require.NoError(t, err)
	return out
}

func TestReplace_InsertText(t *testing.T) {
	out := mustApply(t, helloWorld,
		`{"stepType":"replace","from":6,"to":6,"slice":{"content":[{"type":"text","text":" there"}]}}`)

	assert.JSONEq(t, `{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"hello there"}]},
		{"type":"paragraph","content":[{"type":"text","text":"world"}]}
	]}`, out)
}

func TestReplace_DeleteText(t *testing.T) {
	out := mustApply(t, helloWorld, `{"stepType":"replace","from":1,"to":3}`)

	assert.JSONEq(t, `{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"llo"}]},
		{"type":"paragraph","content":[{"type":"text","text":"world"}]}
	]}`, out)
}

func TestReplace_SplitParagraph(t *testing.T) {
	out := mustApply(t, helloWorld,
		`{"stepType":"replace","from":3,"to":3,"slice":{"content":[{"type":"paragraph"},{"type":"paragraph"}],"openStart":1,"openEnd":1},"structure":true}`)

	assert.JSONEq(t, `{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"he"}]},
		{"type":"paragraph","content":[{"type":"text","text":"llo"}]},
		{"type":"paragraph","content":[{"type":"text","text":"world"}]}
	]}`, out)
}

func TestReplace_JoinParagraphs(t *testing.T) {
	out := mustApply(t, helloWorld, `{"stepType":"replace","from":6,"to":8,"structure":true}`)

	assert.JSONEq(t, `{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"helloworld"}]}
	]}`, out)
}

func TestReplace_StructureRejectsContent(t *testing.T) {
	_, err := applySteps(t, New(), helloWorld, `{"stepType":"replace","from":1,"to":3,"structure":true}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "structure replace")
}

func TestReplace_SurrogatePairsCountTwice(t *testing.T) {
	tree := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"a😀b"}]}]}`
	out := mustApply(t, tree, `{"stepType":"replace","from":2,"to":4}`)

	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"ab"}]}]}`, out)
}

func TestReplace_Errors(t *testing.T) {
	tests := []struct {
		name string
		step string
		want string
	}{
		{"out of range", `{"stepType":"replace","from":20,"to":20}`, "out of range"},
		{"inverted range", `{"stepType":"replace","from":5,"to":2}`, "invalid range"},
		{"open too deep", `{"stepType":"replace","from":0,"to":0,"slice":{"content":[{"type":"paragraph"}],"openStart":1}}`, "deeper"},
		{"inconsistent depths", `{"stepType":"replace","from":3,"to":3,"slice":{"content":[{"type":"paragraph"}],"openStart":1}}`, "inconsistent open depths"},
		{"incompatible join", `{"stepType":"replace","from":3,"to":3,"slice":{"content":[{"type":"bullet_list"},{"type":"paragraph"}],"openStart":1,"openEnd":1}}`, "cannot join"},
		{"open start into text", `{"stepType":"replace","from":3,"to":10,"slice":{"content":[{"type":"text","text":"x"}],"openStart":1,"openEnd":1}}`, "openStart 1 exceeds content depth 0"},
		{"open end into text", `{"stepType":"replace","from":3,"to":3,"slice":{"content":[{"type":"paragraph"},{"type":"text","text":"x"}],"openStart":1,"openEnd":1}}`, "openEnd 1 exceeds content depth 0"},
		{"open past empty content", `{"stepType":"replace","from":3,"to":3,"slice":{"content":[],"openStart":1,"openEnd":1}}`, "exceeds content depth"},
		{"negative open depths", `{"stepType":"replace","from":3,"to":3,"slice":{"content":[{"type":"text","text":"x"}],"openStart":-1,"openEnd":-1}}`, "negative slice open depth"},
		{"replaceAround negative open depth", `{"stepType":"replaceAround","from":0,"to":14,"gapFrom":0,"gapTo":14,"insert":1,"slice":{"content":[{"type":"blockquote"}],"openStart":-1}}`, "negative slice open depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applySteps(t, New(), helloWorld, tt.step)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)

			se, ok := AsStepError(err)
			require.True(t, ok)
			assert.Equal(t, 0, se.Index)
		})
	}
}

func TestReplaceAround_WrapInBlockquote(t *testing.T) {
	out := mustApply(t, helloWorld,
		`{"stepType":"replaceAround","from":0,"to":7,"gapFrom":0,"gapTo":7,"insert":1,"slice":{"content":[{"type":"blockquote"}]},"structure":true}`)

	assert.JSONEq(t, `{"type":"doc","content":[
		{"type":"blockquote","content":[{"type":"paragraph","content":[{"type":"text","text":"hello"}]}]},
		{"type":"paragraph","content":[{"type":"text","text":"world"}]}
	]}`, out)
}

func TestReplaceAround_GapOutsideRange(t *testing.T) {
	_, err := applySteps(t, New(), helloWorld,
		`{"stepType":"replaceAround","from":2,"to":7,"gapFrom":0,"gapTo":7,"insert":1}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap")
}

func TestAddAndRemoveMark(t *testing.T) {
	bolded := mustApply(t, helloWorld,
		`{"stepType":"addMark","mark":{"type":"strong"},"from":2,"to":4}`)

	assert.JSONEq(t, `{"type":"doc","content":[
		{"type":"paragraph","content":[
			{"type":"text","text":"h"},
			{"type":"text","text":"el","marks":[{"type":"strong"}]},
			{"type":"text","text":"lo"}
		]},
		{"type":"paragraph","content":[{"type":"text","text":"world"}]}
	]}`, bolded)

	plain := mustApply(t, bolded,
		`{"stepType":"removeMark","mark":{"type":"strong"},"from":1,"to":6}`)
	assert.JSONEq(t, helloWorld, plain)
}

func TestAddMark_ReplacesSameType(t *testing.T) {
	out := mustApply(t, helloWorld,
		`{"stepType":"addMark","mark":{"type":"link","attrs":{"href":"a"}},"from":1,"to":6}`,
		`{"stepType":"addMark","mark":{"type":"link","attrs":{"href":"b"}},"from":1,"to":6}`)

	assert.JSONEq(t, `{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"hello","marks":[{"type":"link","attrs":{"href":"b"}}]}]},
		{"type":"paragraph","content":[{"type":"text","text":"world"}]}
	]}`, out)
}

func TestAddMark_SkipsCodeBlocks(t *testing.T) {
	tree := `{"type":"doc","content":[{"type":"code_block","content":[{"type":"text","text":"x := 1"}]}]}`
	out := mustApply(t, tree, `{"stepType":"addMark","mark":{"type":"em"},"from":1,"to":3}`)
	assert.JSONEq(t, tree, out)
}

func TestAttrStep(t *testing.T) {
	tree := `{"type":"doc","content":[{"type":"heading","attrs":{"level":1},"content":[{"type":"text","text":"Title"}]}]}`
	out := mustApply(t, tree, `{"stepType":"attr","pos":0,"attr":"level","value":2}`)

	assert.JSONEq(t, `{"type":"doc","content":[{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"Title"}]}]}`, out)
}

func TestAttrStep_LeafNode(t *testing.T) {
	tree := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"image","attrs":{"src":"a.png"}}]}]}`
	out := mustApply(t, tree, `{"stepType":"attr","pos":1,"attr":"src","value":"b.png"}`)

	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"image","attrs":{"src":"b.png"}}]}]}`, out)
}

func TestReplace_UncheckedSliceFailsWithoutPanic(t *testing.T) {
	c := New()
	doc, err := c.ParseTree([]byte(helloWorld))
	require.NoError(t, err)

	for _, slice := range []Slice{
		{Content: Fragment{{Type: "text", Text: "x"}}, OpenStart: 1, OpenEnd: 1},
		{Content: Fragment{{Type: "text", Text: "x"}}, OpenStart: -1, OpenEnd: -1},
	} {
		step := &ReplaceStep{From: 3, To: 10, Slice: &slice}
		assert.NotPanics(t, func() {
			_, err = c.Apply(doc, step)
		})
		assert.Error(t, err)
	}
}

func TestAttrStep_InsideTextFails(t *testing.T) {
	_, err := applySteps(t, New(), helloWorld, `{"stepType":"attr","pos":2,"attr":"x","value":1}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "points into text")

	se, ok := AsStepError(err)
	require.True(t, ok)
	assert.Equal(t, 0, se.Index)
}

func TestAttrStep_NoNode(t *testing.T) {
	_, err := applySteps(t, New(), helloWorld, `{"stepType":"attr","pos":14,"attr":"x","value":1}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no node")
}

func TestDocAttrStep(t *testing.T) {
	out := mustApply(t, `{"type":"doc","content":[]}`, `{"stepType":"docAttr","attr":"lang","value":"en"}`)
	assert.JSONEq(t, `{"type":"doc","attrs":{"lang":"en"}}`, out)
}

func TestApplyAll_ReportsFailingIndex(t *testing.T) {
	_, err := applySteps(t, New(), helloWorld,
		`{"stepType":"replace","from":1,"to":1,"slice":{"content":[{"type":"text","text":"x"}]}}`,
		`{"stepType":"replace","from":99,"to":99}`)
	require.Error(t, err)

	se, ok := AsStepError(err)
	require.True(t, ok)
	assert.Equal(t, 1, se.Index)
	assert.Equal(t, StepReplace, se.StepType)
}

func TestApplyAll_BadTree(t *testing.T) {
	_, err := applySteps(t, New(), `null`, `{"stepType":"replace","from":0,"to":0}`)
	require.Error(t, err)
	se, ok := AsStepError(err)
	require.True(t, ok)
	assert.Equal(t, -1, se.Index)
}

func TestApplyAll_DoesNotMutateInput(t *testing.T) {
	c := New()
	doc, err := c.ParseTree([]byte(helloWorld))
	require.NoError(t, err)
	before, err := json.Marshal(doc)
	require.NoError(t, err)

	step, err := c.Decode(json.RawMessage(`{"stepType":"replace","from":1,"to":13}`))
	require.NoError(t, err)
	_, err = c.Apply(doc, step)
	require.NoError(t, err)

	after, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestDecode_Errors(t *testing.T) {
	c := New()
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"not json", `{`, "decode step"},
		{"missing type", `{"from":1,"to":2}`, "missing stepType"},
		{"unknown type", `{"stepType":"addNodeMark","pos":1}`, "unknown stepType"},
		{"missing field", `{"stepType":"replace","from":1}`, `missing field "to"`},
		{"wrong field type", `{"stepType":"replace","from":"a","to":2}`, "decode replace step"},
		{"empty text node", `{"stepType":"replace","from":1,"to":1,"slice":{"content":[{"type":"text","text":""}]}}`, "empty text node"},
		{"trailing garbage", `{"stepType":"replace","from":1,"to":1}}}garbage`, "unexpected data after JSON value"},
		{"trailing partial value", `{"stepType":"replace","from":1,"to":1}{"x":`, "decode step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	c := New()
	encoded, err := c.Encode(&ReplaceStep{From: 1, To: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stepType":"replace","from":1,"to":3}`, string(encoded))

	step, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, StepReplace, step.StepType())
	assert.Equal(t, 3, step.(*ReplaceStep).To)
}

func TestEncode_AttrKeepsNullValue(t *testing.T) {
	encoded, err := New().Encode(&AttrStep{Pos: 0, Attr: "id"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stepType":"attr","pos":0,"attr":"id","value":null}`, string(encoded))
}

func TestStrictSchema_RejectsUnknownNodes(t *testing.T) {
	s := DefaultSchema()
	s.Strict = true
	_, err := New(WithSchema(s)).ParseTree([]byte(`{"type":"doc","content":[{"type":"widget"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")

	_, err = New().ParseTree([]byte(`{"type":"doc","content":[{"type":"widget"}]}`))
	assert.NoError(t, err)
}
