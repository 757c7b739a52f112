package model

import (
	"fmt"
	"strings"
)

// Scope narrows a query to one entity or to the children of one parent.
// The zero value selects every entity of the queried type.
type Scope struct {
	Type EntityType
	ID   string
}

// AllEntities is the unscoped query.
var AllEntities = Scope{}

// ParseScope reads "*", "" or "<type>:<id>" (for example "campaign:123").
func ParseScope(value string) (Scope, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "*" {
		return AllEntities, nil
	}
	kind, id, ok := strings.Cut(value, ":")
	if !ok || strings.TrimSpace(id) == "" {
		return Scope{}, fmt.Errorf("invalid scope %q, want <type>:<id>", value)
	}
	entityType, err := ParseEntityType(kind)
	if err != nil {
		return Scope{}, fmt.Errorf("invalid scope %q: %w", value, err)
	}
	return Scope{Type: entityType, ID: strings.TrimSpace(id)}, nil
}

// IsAll reports whether the scope is unrestricted.
func (s Scope) IsAll() bool {
	return s.Type == "" && s.ID == ""
}

// ValidFor checks that the scope can be applied to queries of entityType: the
// scope must name an entity of that type or of its direct parent type.
func (s Scope) ValidFor(entityType EntityType) error {
	if s.IsAll() {
		return nil
	}
	if s.ID == "" {
		return fmt.Errorf("scope %s has no id", s.Type)
	}
	if s.Type == entityType || s.Type == entityType.Parent() {
		return nil
	}
	return fmt.Errorf("scope %s cannot select %s entities", s, entityType)
}

// Matches reports whether an entity row belongs to the scope.
func (s Scope) Matches(entityType EntityType, entityID string, parentType EntityType, parentID string) bool {
	switch {
	case s.IsAll():
		return true
	case s.Type == entityType:
		return s.ID == entityID
	default:
		return s.Type == parentType && s.ID == parentID
	}
}

// String renders the scope in its parseable form.
func (s Scope) String() string {
	if s.IsAll() {
		return "*"
	}
	return strings.ToLower(string(s.Type)) + ":" + s.ID
}
