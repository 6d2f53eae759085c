package qdb

import (
	"fmt"
	"strings"
)

// IDSeparator marks a token as an entity id rather than a type name.
const IDSeparator = "-"

// Target selects either a single entity by id or every entity of a type.
type Target struct {
	id         string
	entityType string
}

// ByID targets the entity with the given id.
func ByID(id string) Target { return Target{id: id} }

// ByType targets every entity of the given type.
func ByType(name string) Target { return Target{entityType: name} }

// ParseTarget infers the target kind from token: tokens containing
// IDSeparator are ids, everything else a type name. A type name containing
// the separator is misrouted; use ByType explicitly for those.
func ParseTarget(token string) Target {
	if strings.Contains(token, IDSeparator) {
		return ByID(token)
	}
	return ByType(token)
}

// IsID reports whether t targets a single entity.
func (t Target) IsID() bool { return t.id != "" }

// ID returns the entity id, or "" for type targets.
func (t Target) ID() string { return t.id }

// Type returns the entity type name, or "" for id targets.
func (t Target) Type() string { return t.entityType }

func (t Target) validate() error {
	if strings.TrimSpace(t.id) == "" && strings.TrimSpace(t.entityType) == "" {
		return fmt.Errorf("qdb: entity id or type is required")
	}
	return nil
}

func (t Target) String() string {
	if t.IsID() {
		return "id:" + t.id
	}
	return "type:" + t.entityType
}
