// Package access authenticates socket and REST callers and decides what they
// may do in a project.
//
// Roles are a closed set mapped to capabilities by a pure function. The
// role table itself comes from a YAML policy file; tokens are HS256 JWTs.
package access

import (
	"fmt"
	"strings"
)

// Role is a project member's role.
type Role int

const (
	RoleNone Role = iota
	RoleOwner
	RoleWriter
	RoleEditor
	RoleAnnotator
	RoleProofer
	RoleViewer
)

var roleNames = map[Role]string{
	RoleNone:      "none",
	RoleOwner:     "owner",
	RoleWriter:    "writer",
	RoleEditor:    "editor",
	RoleAnnotator: "annotator",
	RoleProofer:   "proofer",
	RoleViewer:    "viewer",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole parses a role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for role, n := range roleNames {
		if n == name && role != RoleNone {
			return role, nil
		}
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// UnmarshalText lets roles be read directly from YAML and JSON.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Permission is something a caller asks to do.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermComment
	PermManage
)

func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	case PermComment:
		return "comment"
	case PermManage:
		return "manage"
	default:
		return fmt.Sprintf("Permission(%d)", uint8(p))
	}
}

// CapabilitySet is a set of permissions.
type CapabilitySet uint8

// Has reports whether p is in the set.
func (c CapabilitySet) Has(p Permission) bool {
	return p != 0 && CapabilitySet(p)&c == CapabilitySet(p)
}

// Capabilities maps a role to what it may do. Every role has an explicit
// case; an unknown role gets nothing.
func Capabilities(r Role) CapabilitySet {
	switch r {
	case RoleOwner:
		return CapabilitySet(PermRead | PermWrite | PermComment | PermManage)
	case RoleWriter, RoleEditor:
		return CapabilitySet(PermRead | PermWrite | PermComment)
	case RoleAnnotator, RoleProofer:
		return CapabilitySet(PermRead | PermComment)
	case RoleViewer:
		return CapabilitySet(PermRead)
	case RoleNone:
		return 0
	default:
		return 0
	}
}
