// Package relay pushes committed steps to subscribed sockets.
//
// Local delivers through this process's registry only. Redis publishes
// through a Redis channel per document and every process running Run
// re-broadcasts to its own sockets, so subscribers on other processes see
// the commit too.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/roach88/stepsync/internal/hub"
	"github.com/roach88/stepsync/internal/metrics"
	"github.com/roach88/stepsync/internal/model"
)

// Publisher delivers msg to the subscribers of documentID.
type Publisher interface {
	Publish(ctx context.Context, documentID string, msg []byte) error
}

// Local broadcasts through a single registry.
type Local struct {
	registry *hub.Registry
	metrics  *metrics.Metrics
}

var _ Publisher = (*Local)(nil)

// NewLocal creates a publisher over registry.
func NewLocal(registry *hub.Registry, m *metrics.Metrics) *Local {
	return &Local{registry: registry, metrics: m}
}

func (l *Local) Publish(_ context.Context, documentID string, msg []byte) error {
	l.metrics.Broadcast(l.registry.Broadcast(documentID, msg))
	return nil
}

// Notifier adapts a Publisher to the service's post-commit hook. A failed
// publish is logged and dropped: the commit already happened and clients
// catch up through history requests.
type Notifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewNotifier creates a notifier. A nil logger uses slog.Default().
func NewNotifier(p Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{publisher: p, logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, documentID string, resp *model.HistoryResponse) {
	msg, err := json.Marshal(resp)
	if err != nil {
		n.logger.Error("encode commit notification", "document", documentID, "error", err)
		return
	}
	if err := n.publisher.Publish(ctx, documentID, msg); err != nil {
		n.logger.Warn("publish commit notification",
			"document", documentID,
			"version", resp.Version,
			"error", err,
		)
	}
}
