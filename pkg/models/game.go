package models

import (
	"encoding/json"
	"fmt"
)

// Game is a catalog entry. The client never mutates games, only the filter used to view them.
type Game struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Provider  string   `json:"provider,omitempty"`
	Image     string   `json:"image,omitempty"`
	Types     []string `json:"types"`
	Tag       string   `json:"tag,omitempty"`
	Link      string   `json:"link"`
	MinAmount float64  `json:"minAmount,omitempty"`
}

// GamePage is one page of the catalog plus pagination metadata.
type GamePage struct {
	Games      []Game `json:"games"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	TotalPages int    `json:"totalPages"`
}

// CatalogEvent is an out-of-band signal that cached catalog pages are stale.
// A nil Filter means every cached page.
type CatalogEvent struct {
	Type   string         `json:"type"`
	Filter *CatalogFilter `json:"filter,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// ParseCatalogEvent decodes an out-of-band catalog signal. An empty type is read as
// catalog_updated; any other type is rejected.
func ParseCatalogEvent(data []byte) (CatalogEvent, error) {
	var event CatalogEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("decode catalog event: %w", err)
	}
	if event.Type == "" {
		event.Type = EventCatalogUpdated
	}
	if event.Type != EventCatalogUpdated {
		return event, fmt.Errorf("unsupported catalog event type %q", event.Type)
	}
	if event.Filter != nil {
		if err := event.Filter.Validate(); err != nil {
			return event, err
		}
	}
	return event, nil
}
