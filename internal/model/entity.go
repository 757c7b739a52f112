// Package model holds the advertising metrics types shared by the cache,
// the stores and the upstream adapter.
package model

import (
	"fmt"
	"strings"
)

// EntityType is one level of the advertising hierarchy below the account.
type EntityType string

const (
	EntityCampaign EntityType = "CAMPAIGN"
	EntityAdGroup  EntityType = "AD_GROUP"
	EntityKeyword  EntityType = "KEYWORD"
)

// EntityTypes lists the supported levels from the top of the hierarchy down.
var EntityTypes = []EntityType{EntityCampaign, EntityAdGroup, EntityKeyword}

// ParseEntityType accepts the canonical names as well as the lower-case and
// dashed forms used in URLs ("campaign", "ad-group", "ad_group").
func ParseEntityType(value string) (EntityType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch EntityType(normalized) {
	case EntityCampaign, EntityAdGroup, EntityKeyword:
		return EntityType(normalized), nil
	}
	return "", fmt.Errorf("unknown entity type %q", value)
}

// Valid reports whether t is a supported entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityCampaign, EntityAdGroup, EntityKeyword:
		return true
	}
	return false
}

// Parent returns the entity type directly above t, or "" for campaigns.
func (t EntityType) Parent() EntityType {
	switch t {
	case EntityAdGroup:
		return EntityCampaign
	case EntityKeyword:
		return EntityAdGroup
	}
	return ""
}

// Label is the human readable form used for placeholder names.
func (t EntityType) Label() string {
	switch t {
	case EntityCampaign:
		return "Campaign"
	case EntityAdGroup:
		return "Ad group"
	case EntityKeyword:
		return "Keyword"
	}
	return string(t)
}

// Status mirrors the upstream serving status of an entity.
type Status string

const (
	StatusEnabled Status = "ENABLED"
	StatusPaused  Status = "PAUSED"
	StatusRemoved Status = "REMOVED"
	StatusUnknown Status = "UNKNOWN"
)

// ParseStatus maps upstream status strings, falling back to UNKNOWN.
func ParseStatus(value string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(value))) {
	case StatusEnabled:
		return StatusEnabled
	case StatusPaused:
		return StatusPaused
	case StatusRemoved:
		return StatusRemoved
	}
	return StatusUnknown
}
