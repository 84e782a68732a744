package access

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/roach88/stepsync/internal/model"
)

// ErrAccessDenied is returned when a caller lacks the requested permission.
var ErrAccessDenied = errors.New("access denied")

// Checker decides whether an identity holds a permission in a project.
type Checker interface {
	ValidateAccess(ctx context.Context, id model.Identity, projectID string, perm Permission) error
}

// PolicyFile is the YAML layout of a policy:
//
//	default_role: viewer        # optional, applies to any authenticated user
//	projects:
//	  proj-1:
//	    alice: owner
//	    bob: proofer
type PolicyFile struct {
	DefaultRole Role                       `yaml:"default_role"`
	Projects    map[string]map[string]Role `yaml:"projects"`
}

// Policy is a project → user → role table. It implements Checker.
//
// Thread-safety: safe for concurrent use; Replace swaps the table atomically.
type Policy struct {
	mu   sync.RWMutex
	file PolicyFile
}

var _ Checker = (*Policy)(nil)

// NewPolicy creates a policy from an in-memory table.
func NewPolicy(file PolicyFile) *Policy {
	return &Policy{file: file}
}

// ParsePolicy parses a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return NewPolicy(file), nil
}

// LoadPolicy reads and parses a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return ParsePolicy(data)
}

// Replace swaps in a new table.
func (p *Policy) Replace(file PolicyFile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.file = file
}

// RoleOf returns the role of userID in projectID.
func (p *Policy) RoleOf(projectID, userID string) Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if role, ok := p.file.Projects[projectID][userID]; ok {
		return role
	}
	return p.file.DefaultRole
}

// ValidateAccess returns nil if id may perform perm in projectID, and an
// error wrapping ErrAccessDenied otherwise.
func (p *Policy) ValidateAccess(_ context.Context, id model.Identity, projectID string, perm Permission) error {
	if id.UserID == "" {
		return fmt.Errorf("%w: anonymous caller", ErrAccessDenied)
	}
	role := p.RoleOf(projectID, id.UserID)
	if !Capabilities(role).Has(perm) {
		return fmt.Errorf("%w: user %s (%s) lacks %s on project %s", ErrAccessDenied, id.UserID, role, perm, projectID)
	}
	return nil
}
