package testutil

import (
	"encoding/json"
	"fmt"
)

// EmptyTree is a document with one empty paragraph. Position 1 is inside it.
const EmptyTree = `{"type":"doc","content":[{"type":"paragraph"}]}`

// HelloTree is doc(p("hello")). Text positions run 1..6.
const HelloTree = `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello"}]}]}`

// InsertText builds a replace step inserting text at pos.
func InsertText(pos int, text string) json.RawMessage {
	quoted, _ := json.Marshal(text)
	return json.RawMessage(fmt.Sprintf(
		`{"stepType":"replace","from":%d,"to":%d,"slice":{"content":[{"type":"text","text":%s}]}}`,
		pos, pos, quoted))
}

// DeleteRange builds a replace step deleting from..to.
func DeleteRange(from, to int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"stepType":"replace","from":%d,"to":%d}`, from, to))
}

// Steps collects payloads into a submission-ready slice.
func Steps(payloads ...json.RawMessage) []json.RawMessage {
	return payloads
}
