// Package model defines the data shared by the store, the synchronization
// service and the connection layer.
//
// A Document is the unit of collaboration: its serialized tree, a version
// counter and the step log that produced the tree. Version is authoritative.
// The step log starts at version 0 and is only ever appended to, except when
// history is cleared administratively, after which it restarts empty while
// Version keeps counting.
package model
