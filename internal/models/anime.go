// Package models contains the catalog entities scraped from the anime site
package models

import (
	"fmt"
	"strings"
)

// CatalogEntry is one anime listed by a search or the recent listing
type CatalogEntry struct {
	Title string
	URL   string
}

// AnimeInfo holds the details shown on the anime menu
type AnimeInfo struct {
	Title       string
	Description string
}

// SeasonRef identifies a season in the site's season selector
type SeasonRef struct {
	ID     string
	PostID string // optional, used by the dynamic episode endpoint
	Name   string
}

// DefaultSeason is used when the page exposes no season selector.
func DefaultSeason() SeasonRef {
	return SeasonRef{ID: "1", Name: "Season 1"}
}

// EpisodeRef represents a single episode of one (anime, season) pair
type EpisodeRef struct {
	Number string
	Title  string
	URL    string

	// Filled lazily once the player has been bypassed.
	PlayerURL   string
	ManifestURL string
}

// DisplayTitle returns the title used on buttons and captions
func (e EpisodeRef) DisplayTitle(index int) string {
	title := strings.TrimSpace(e.Title)
	if title != "" {
		return title
	}
	if e.Number != "" {
		return "Episode " + e.Number
	}
	return fmt.Sprintf("Episode %d", index+1)
}
