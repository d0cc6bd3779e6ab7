package models

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 20
	DefaultSort     = "popular"
)

var (
	ErrInvalidFilter = errors.New("invalid filter")

	GameTags  = []string{"hot", "new", "popular", "recommended", "featured"}
	SortOrder = []string{"popular", "newest", "name"}
)

// CatalogFilter is the query state used to view the game catalog.
// Its canonical fingerprint is the cache key and the in-flight request key.
type CatalogFilter struct {
	Tag    string   `json:"tag,omitempty"`
	Types  []string `json:"types,omitempty"`
	Search string   `json:"search,omitempty"`
	Page   int      `json:"page,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Sort   string   `json:"sort,omitempty"`
}

// Normalize returns a copy with defaults applied and set-valued fields in canonical order.
func (f CatalogFilter) Normalize(defaultLimit int) CatalogFilter {
	if defaultLimit <= 0 {
		defaultLimit = DefaultPageSize
	}

	out := CatalogFilter{
		Tag:    strings.ToLower(strings.TrimSpace(f.Tag)),
		Search: strings.Join(strings.Fields(f.Search), " "),
		Page:   f.Page,
		Limit:  f.Limit,
		Sort:   strings.ToLower(strings.TrimSpace(f.Sort)),
	}
	if out.Page <= 0 {
		out.Page = 1
	}
	if out.Limit <= 0 {
		out.Limit = defaultLimit
	}
	if out.Sort == "" {
		out.Sort = DefaultSort
	}

	seen := make(map[string]struct{}, len(f.Types))
	for _, t := range f.Types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out.Types = append(out.Types, t)
	}
	sort.Strings(out.Types)

	return out
}

func (f CatalogFilter) Validate() error {
	if f.Tag != "" && !contains(GameTags, strings.ToLower(strings.TrimSpace(f.Tag))) {
		return fmt.Errorf("%w: unknown tag %q", ErrInvalidFilter, f.Tag)
	}
	if f.Sort != "" && !contains(SortOrder, strings.ToLower(strings.TrimSpace(f.Sort))) {
		return fmt.Errorf("%w: unknown sort %q", ErrInvalidFilter, f.Sort)
	}
	if f.Page < 0 || f.Limit < 0 {
		return fmt.Errorf("%w: page and limit must not be negative", ErrInvalidFilter)
	}
	// Types travel as one comma-joined parameter.
	for _, t := range f.Types {
		if strings.Contains(t, ",") {
			return fmt.Errorf("%w: type %q contains a comma", ErrInvalidFilter, t)
		}
	}
	return nil
}

// Matches reports whether target falls under the partial filter f. Only the fields
// set in f are compared; an empty f matches every filter.
func (f CatalogFilter) Matches(target CatalogFilter, defaultLimit int) bool {
	want := f.Normalize(defaultLimit)
	got := target.Normalize(defaultLimit)

	if want.Tag != "" && want.Tag != got.Tag {
		return false
	}
	if len(want.Types) > 0 && strings.Join(want.Types, ",") != strings.Join(got.Types, ",") {
		return false
	}
	if want.Search != "" && want.Search != got.Search {
		return false
	}
	if f.Page > 0 && want.Page != got.Page {
		return false
	}
	if f.Limit > 0 && want.Limit != got.Limit {
		return false
	}
	if strings.TrimSpace(f.Sort) != "" && want.Sort != got.Sort {
		return false
	}
	return true
}

// Query encodes the normalized filter as request parameters, keys sorted.
func (f CatalogFilter) Query(defaultLimit int) url.Values {
	n := f.Normalize(defaultLimit)

	q := url.Values{}
	q.Set("page", strconv.Itoa(n.Page))
	q.Set("limit", strconv.Itoa(n.Limit))
	q.Set("sort", n.Sort)
	if n.Tag != "" {
		q.Set("tag", n.Tag)
	}
	if len(n.Types) > 0 {
		q.Set("types", strings.Join(n.Types, ","))
	}
	if n.Search != "" {
		q.Set("search", n.Search)
	}
	return q
}

// Fingerprint is the canonical key for f. Filters with the same semantic content
// produce the same fingerprint regardless of how they were built.
func (f CatalogFilter) Fingerprint(defaultLimit int) string {
	return f.Query(defaultLimit).Encode()
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
