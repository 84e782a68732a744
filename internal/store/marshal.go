package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/stepsync/internal/model"
)

// marshalSteps converts the step log to JSON TEXT for storage.
// An empty log is stored as [] rather than null.
func marshalSteps(steps []model.StepRecord) (string, error) {
	if len(steps) == 0 {
		return "[]", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // payloads are stored as the client sent them
	if err := enc.Encode(steps); err != nil {
		return "", fmt.Errorf("marshal steps: %w", err)
	}
	return string(bytes.TrimSpace(buf.Bytes())), nil
}

// unmarshalSteps parses the stored step log. Records missing a step payload
// are rejected since replay could not use them.
func unmarshalSteps(data []byte) ([]model.StepRecord, error) {
	if len(data) == 0 || string(data) == "[]" || string(data) == "null" {
		return []model.StepRecord{}, nil
	}
	var steps []model.StepRecord
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	for i, rec := range steps {
		if len(rec.Step) == 0 {
			return nil, fmt.Errorf("unmarshal steps: record %d has no step", i)
		}
	}
	return steps, nil
}
