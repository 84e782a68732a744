package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/stepsync/internal/codec"
	"github.com/roach88/stepsync/internal/metrics"
	"github.com/roach88/stepsync/internal/model"
	"github.com/roach88/stepsync/internal/store"
)

// Notifier is told about every committed submission, after commit.
type Notifier interface {
	Notify(ctx context.Context, documentID string, resp *model.HistoryResponse)
}

// Service is the synchronization service.
type Service struct {
	store    store.Store
	codec    *codec.Codec
	logger   *slog.Logger
	metrics  *metrics.Metrics
	notifier Notifier
	maxSteps int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records submissions and history reads.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNotifier sets the post-commit notifier. Without one, commits are not
// pushed to subscribers; they catch up through history requests.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMaxSteps caps the number of steps in one submission. Zero or less
// means no cap.
func WithMaxSteps(n int) Option {
	return func(s *Service) { s.maxSteps = n }
}

// NewService creates a service over st. A nil codec uses codec.New().
func NewService(st store.Store, c *codec.Codec, opts ...Option) *Service {
	if c == nil {
		c = codec.New()
	}
	s := &Service{store: st, codec: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitSteps applies a batch of steps computed against sub.BaseVersion.
//
// The batch is all or nothing: a stale base version fails with a version
// conflict carrying the current version, and a step that fails to decode or
// apply fails the batch with a step application error naming its index. In
// both cases the stored document is unchanged.
//
// The response carries exactly the committed steps, re-encoded, with
// sub.ClientID repeated per step and the new version.
func (s *Service) SubmitSteps(ctx context.Context, documentID string, sub model.Submission) (*model.HistoryResponse, error) {
	start := time.Now()
	if len(sub.Steps) == 0 {
		s.metrics.ObserveSubmission(metrics.OutcomeRejected, 0, time.Since(start))
		return nil, NewStepApplicationError(documentID, -1, errors.New("submission has no steps"))
	}
	if s.maxSteps > 0 && len(sub.Steps) > s.maxSteps {
		s.metrics.ObserveSubmission(metrics.OutcomeRejected, len(sub.Steps), time.Since(start))
		return nil, NewMalformed(fmt.Sprintf("submission of %d steps exceeds the limit of %d", len(sub.Steps), s.maxSteps), nil)
	}

	var resp *model.HistoryResponse
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		doc, err := tx.FindDocument(ctx, documentID)
		if err != nil {
			return err
		}
		if sub.BaseVersion != doc.Version {
			return NewVersionConflict(documentID, sub.BaseVersion, doc.Version)
		}

		newTree, encoded, err := s.codec.ApplyAll(doc.Tree, sub.Steps)
		if err != nil {
			index := -1
			if se, ok := codec.AsStepError(err); ok {
				index = se.Index
			}
			return NewStepApplicationError(documentID, index, err)
		}

		records := make([]model.StepRecord, len(encoded))
		for i, payload := range encoded {
			records[i] = model.StepRecord{Step: payload, ClientID: sub.ClientID}
		}

		expected := doc.Version
		doc.Tree = newTree
		doc.Version = expected + int64(len(records))
		doc.Steps = append(doc.Steps, records...)
		doc.SchemaVersion = s.codec.SchemaVersion()
		if err := tx.UpdateDocument(ctx, *doc, expected); err != nil {
			return err
		}

		resp = model.NewHistoryResponse(records, doc.Version)
		resp.SchemaVersion = doc.SchemaVersion
		return nil
	})
	if err != nil {
		err = s.classify(ctx, documentID, sub.BaseVersion, err)
		s.observeFailure(err, len(sub.Steps), time.Since(start))
		s.logger.Debug("submission rejected",
			"document", documentID,
			"client", sub.ClientID,
			"base_version", sub.BaseVersion,
			"code", CodeOf(err),
			"error", err,
		)
		return nil, err
	}

	s.metrics.ObserveSubmission(metrics.OutcomeAccepted, len(sub.Steps), time.Since(start))
	s.logger.Info("steps committed",
		"document", documentID,
		"client", sub.ClientID,
		"steps", len(sub.Steps),
		"version", resp.Version,
	)
	if s.notifier != nil {
		s.notifier.Notify(ctx, documentID, resp)
	}
	return resp, nil
}

// classify turns a transaction error into a SyncError.
func (s *Service) classify(ctx context.Context, documentID string, base int64, err error) error {
	var se *SyncError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, store.ErrNotFound):
		return NewNotFound(documentID)
	case errors.Is(err, store.ErrVersionConflict):
		// Another writer committed between our read and our conditional
		// update. Report the version it left behind.
		current := base
		if doc, rerr := s.store.ReadDocument(ctx, documentID); rerr == nil {
			current = doc.Version
		}
		return NewVersionConflict(documentID, base, current)
	default:
		return NewStoreFailure(documentID, err)
	}
}

func (s *Service) observeFailure(err error, steps int, d time.Duration) {
	switch CodeOf(err) {
	case ErrCodeVersionConflict:
		s.metrics.ObserveSubmission(metrics.OutcomeConflict, steps, d)
	case ErrCodeStepApplication, ErrCodeDocumentNotFound:
		s.metrics.ObserveSubmission(metrics.OutcomeRejected, steps, d)
	default:
		s.metrics.ObserveSubmission(metrics.OutcomeError, steps, d)
	}
}

// GetHistory returns the steps applied since fromVersion with their client
// IDs, the current version and, if includeTree is set, the current tree.
//
// fromVersion must lie in [0, version]; anything else is a version conflict
// carrying the current version. A fromVersion older than the retained step
// log fails with a history unavailable error; callers fall back to Snapshot.
func (s *Service) GetHistory(ctx context.Context, documentID string, fromVersion int64, includeTree bool) (*model.HistoryResponse, error) {
	doc, err := s.readDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if fromVersion < 0 || fromVersion > doc.Version {
		return nil, NewVersionConflict(documentID, fromVersion, doc.Version)
	}

	startIndex := int64(len(doc.Steps)) - (doc.Version - fromVersion)
	if startIndex < 0 {
		oldest := doc.Version - int64(len(doc.Steps))
		return nil, NewHistoryUnavailable(documentID, fromVersion, oldest)
	}

	s.metrics.ObserveHistory(includeTree)
	resp := model.NewHistoryResponse(doc.Steps[startIndex:], doc.Version)
	resp.SchemaVersion = doc.SchemaVersion
	if includeTree {
		resp.Doc = doc.Tree
	}
	return resp, nil
}

// Snapshot returns the current tree and version with no steps. It is the
// fallback for clients whose history is no longer replayable.
func (s *Service) Snapshot(ctx context.Context, documentID string) (*model.HistoryResponse, error) {
	doc, err := s.readDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveHistory(true)
	resp := model.NewHistoryResponse(nil, doc.Version)
	resp.SchemaVersion = doc.SchemaVersion
	resp.Doc = doc.Tree
	return resp, nil
}

// CreateDocument seeds a document at version 0 with an empty step log.
// The tree must parse under the codec's schema. A non-empty projectID binds
// the document to that project; see CheckProject.
func (s *Service) CreateDocument(ctx context.Context, projectID, documentID string, tree json.RawMessage) (*model.Document, error) {
	if documentID == "" {
		return nil, NewMalformed("document id is required", nil)
	}
	if _, err := s.codec.ParseTree(tree); err != nil {
		return nil, NewMalformed(err.Error(), err)
	}
	doc := model.Document{
		ID:            documentID,
		ProjectID:     projectID,
		Tree:          tree,
		Version:       0,
		Steps:         []model.StepRecord{},
		SchemaVersion: s.codec.SchemaVersion(),
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, NewExists(documentID)
		}
		return nil, NewStoreFailure(documentID, err)
	}
	s.logger.Info("document created", "document", documentID, "project", projectID)
	return s.readDocument(ctx, documentID)
}

// CheckProject reports whether documentID may be addressed through
// projectID. A document bound to another project is reported as not found so
// its existence does not leak across projects. Documents created without a
// project are reachable through any project.
func (s *Service) CheckProject(ctx context.Context, projectID, documentID string) error {
	owner, err := s.store.DocumentProject(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return NewNotFound(documentID)
	}
	if err != nil {
		return NewStoreFailure(documentID, err)
	}
	if owner != "" && owner != projectID {
		s.logger.Debug("document addressed through foreign project",
			"document", documentID,
			"project", projectID,
			"owner", owner,
		)
		return NewNotFound(documentID)
	}
	return nil
}

// ClearHistory drops the retained step log of a document. The version and
// tree are kept; replays from before the clear become unavailable.
func (s *Service) ClearHistory(ctx context.Context, documentID string) error {
	if err := s.store.ClearHistory(ctx, documentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewNotFound(documentID)
		}
		return NewStoreFailure(documentID, err)
	}
	s.logger.Info("history cleared", "document", documentID)
	return nil
}

// Document returns the stored document.
func (s *Service) Document(ctx context.Context, documentID string) (*model.Document, error) {
	return s.readDocument(ctx, documentID)
}

// ListDocuments returns summaries of all documents.
func (s *Service) ListDocuments(ctx context.Context) ([]store.DocumentInfo, error) {
	infos, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, NewStoreFailure("", err)
	}
	return infos, nil
}

func (s *Service) readDocument(ctx context.Context, documentID string) (*model.Document, error) {
	doc, err := s.store.ReadDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewNotFound(documentID)
	}
	if err != nil {
		return nil, NewStoreFailure(documentID, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, NewStoreFailure(documentID, fmt.Errorf("stored document: %w", err))
	}
	return doc, nil
}
