// Package hub is the in-process connection registry: for each document, the
// set of sockets subscribed to it.
//
// The registry is local to one process. Sockets connected to other processes
// are reached through the relay package, not through the registry.
package hub

import (
	"log/slog"
	"sort"
	"sync"
)

// Socket is a subscribed connection.
type Socket interface {
	// ID identifies the socket in logs.
	ID() string
	// Send queues msg for delivery. An error means the socket is unusable.
	Send(msg []byte) error
	// Close tears the socket down. It must be safe to call more than once.
	Close() error
}

// Registry maps document IDs to subscribed sockets.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
// Sends and closes happen outside the lock.
type Registry struct {
	mu     sync.Mutex
	docs   map[string]map[Socket]struct{}
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		docs:   make(map[string]map[Socket]struct{}),
		logger: logger,
	}
}

// Subscribe adds socket to documentID's set, creating the set if absent.
// Subscribing the same socket twice is a no-op.
func (r *Registry) Subscribe(documentID string, socket Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.docs[documentID]
	if !ok {
		set = make(map[Socket]struct{})
		r.docs[documentID] = set
	}
	set[socket] = struct{}{}
}

// Unsubscribe removes socket from documentID's set and drops the set once it
// is empty. It reports whether the socket was registered, so a second call
// for the same socket is a harmless no-op.
func (r *Registry) Unsubscribe(documentID string, socket Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.docs[documentID]
	if !ok {
		return false
	}
	if _, ok := set[socket]; !ok {
		return false
	}
	delete(set, socket)
	if len(set) == 0 {
		delete(r.docs, documentID)
	}
	return true
}

// Broadcast sends msg to every socket subscribed to documentID and returns
// the number of successful sends. It iterates a snapshot, so sockets may
// subscribe or leave concurrently. A socket whose send fails is closed and
// removed; the remaining sockets still receive msg. Broadcasting to a
// document with no subscribers does nothing.
func (r *Registry) Broadcast(documentID string, msg []byte) int {
	delivered := 0
	for _, socket := range r.Snapshot(documentID) {
		if err := socket.Send(msg); err != nil {
			r.logger.Warn("broadcast send failed, closing socket",
				"document", documentID,
				"conn", socket.ID(),
				"error", err,
			)
			r.Unsubscribe(documentID, socket)
			socket.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns the number of sockets subscribed to documentID.
func (r *Registry) Subscribers(documentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs[documentID])
}

// Contains reports whether socket is subscribed to documentID.
func (r *Registry) Contains(documentID string, socket Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.docs[documentID][socket]
	return ok
}

// Documents returns the IDs of documents with at least one subscriber, sorted.
func (r *Registry) Documents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every subscribed socket and empties the registry.
// Used at server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var sockets []Socket
	for _, set := range r.docs {
		for socket := range set {
			sockets = append(sockets, socket)
		}
	}
	r.docs = make(map[string]map[Socket]struct{})
	r.mu.Unlock()

	for _, socket := range sockets {
		socket.Close()
	}
}

// Snapshot returns a copy of the sockets subscribed to documentID.
func (r *Registry) Snapshot(documentID string) []Socket {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.docs[documentID]
	sockets := make([]Socket, 0, len(set))
	for socket := range set {
		sockets = append(sockets, socket)
	}
	return sockets
}
