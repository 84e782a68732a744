package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Document is one row of the document store.
type Document struct {
	ID            string
	ProjectID     string
	Tree          json.RawMessage
	Version       int64
	Steps         []StepRecord
	SchemaVersion string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks the version/step-log invariant.
// len(Steps) equals Version unless history has been cleared, in which case
// the log is shorter. It can never be longer.
func (d *Document) Validate() error {
	if d.Version < 0 {
		return fmt.Errorf("document %s: negative version %d", d.ID, d.Version)
	}
	if int64(len(d.Steps)) > d.Version {
		return fmt.Errorf("document %s: %d steps exceed version %d", d.ID, len(d.Steps), d.Version)
	}
	return nil
}

// StepRecord is an applied step tagged with the client that produced it.
// Records are immutable once committed.
type StepRecord struct {
	Step     json.RawMessage `json:"step"`
	ClientID int64           `json:"clientID"`
}

// Submission is a client's batch of steps computed against BaseVersion.
// On the wire the base version is "version"; "baseVersion" is accepted too.
type Submission struct {
	Steps       []json.RawMessage `json:"steps"`
	BaseVersion int64             `json:"version"`
	ClientID    int64             `json:"clientID"`
}

func (s *Submission) UnmarshalJSON(data []byte) error {
	var wire struct {
		Steps       []json.RawMessage `json:"steps"`
		Version     *int64            `json:"version"`
		BaseVersion *int64            `json:"baseVersion"`
		ClientID    int64             `json:"clientID"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	base := wire.Version
	switch {
	case base == nil && wire.BaseVersion == nil:
		return errors.New("submission has no version")
	case base == nil:
		base = wire.BaseVersion
	case wire.BaseVersion != nil && *wire.BaseVersion != *base:
		return fmt.Errorf("submission version %d and baseVersion %d disagree", *base, *wire.BaseVersion)
	}
	*s = Submission{Steps: wire.Steps, BaseVersion: *base, ClientID: wire.ClientID}
	return nil
}

// HistoryResponse carries the steps a client needs to reach Version.
// Doc is only set for full-tree responses.
type HistoryResponse struct {
	Doc           json.RawMessage   `json:"doc,omitempty"`
	Steps         []json.RawMessage `json:"steps"`
	ClientIDs     []int64           `json:"clientIDs"`
	Version       int64             `json:"version"`
	SchemaVersion string            `json:"schemaVersion,omitempty"`
}

// NewHistoryResponse builds a response from a slice of step records.
// Steps and ClientIDs are always non-nil so they encode as [] rather than null.
func NewHistoryResponse(records []StepRecord, version int64) *HistoryResponse {
	resp := &HistoryResponse{
		Steps:     make([]json.RawMessage, len(records)),
		ClientIDs: make([]int64, len(records)),
		Version:   version,
	}
	for i, rec := range records {
		resp.Steps[i] = rec.Step
		resp.ClientIDs[i] = rec.ClientID
	}
	return resp
}

// SubscribeRequest is what both WebSocket handshake forms reduce to.
type SubscribeRequest struct {
	DocumentID string
	ProjectID  string
	Credential string
}

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Claims map[string]any
}
