// Package codec decodes, encodes and applies document edit steps.
//
// Trees and steps use the ProseMirror JSON shapes. A node is
// {type, attrs?, content?, text?, marks?} and positions are ProseMirror
// integer positions:
//
//   - a text node has a size equal to its length in UTF-16 code units
//   - a leaf node (image, hard_break, ...) has size 1
//   - any other node has size content.size + 2 (one token to enter, one to leave)
//
// Applying a step never mutates its input tree. Nodes are shared between the
// old and the new tree wherever they did not change.
//
// Supported step types: replace, replaceAround, addMark, removeMark, attr and
// docAttr. Anything else fails to decode.
package codec
