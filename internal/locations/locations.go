// Package locations holds the fixed set of supported stations and the
// predictor artifact bound to each one.
package locations

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kjstillabower/station-forecast-service/internal/models"
)

// Location is one supported station.
type Location struct {
	ID       string // canonical uppercase identifier, e.g. "NIAMEY AERO"
	Artifact string // predictor artifact handle (file path or remote model name)
}

// Table maps canonical ids to locations. Read-only after construction.
type Table struct {
	byID map[string]Location
}

// Defaults is the station set the service ships with.
var Defaults = []Location{
	{ID: "WINDHOEK", Artifact: "models/windhoek_model.json"},
	{ID: "NDJAMENA", Artifact: "models/ndjamena_model.json"},
	{ID: "NIAMEY AERO", Artifact: "models/niamey_aero_model.json"},
	{ID: "TEJGAON", Artifact: "models/tejgaon_model.json"},
}

// NewTable builds a Table. Ids are canonicalized; duplicates and empty
// entries are rejected.
func NewTable(entries []Location) (*Table, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("locations: at least one location is required")
	}
	t := &Table{byID: make(map[string]Location, len(entries))}
	for _, e := range entries {
		id := Canonical(e.ID)
		if id == "" {
			return nil, fmt.Errorf("locations: empty id")
		}
		if strings.TrimSpace(e.Artifact) == "" {
			return nil, fmt.Errorf("locations: %s has no artifact", id)
		}
		if _, dup := t.byID[id]; dup {
			return nil, fmt.Errorf("locations: duplicate id %s", id)
		}
		t.byID[id] = Location{ID: id, Artifact: strings.TrimSpace(e.Artifact)}
	}
	return t, nil
}

// Canonical trims and upper-cases a location identifier.
func Canonical(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Resolve returns the canonical id for input, or an *models.UnsupportedLocationError
// carrying the canonicalized input.
func (t *Table) Resolve(input string) (string, error) {
	id := Canonical(input)
	if _, ok := t.byID[id]; !ok {
		return "", &models.UnsupportedLocationError{Location: id}
	}
	return id, nil
}

// Lookup returns the location for an already canonical id.
func (t *Table) Lookup(id string) (Location, bool) {
	loc, ok := t.byID[id]
	return loc, ok
}

// IDs returns all canonical ids sorted.
func (t *Table) IDs() []string {
	ids := make([]string, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
