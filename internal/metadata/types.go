// Package metadata defines the shared metadata data model and the
// Postgres-backed version store used by every replica.
package metadata

import (
	"encoding/json"
	"sort"
	"strconv"
)

// ResourceVersion identifies a metadata snapshot in the store. Versions are
// totally ordered and monotonically increasing; the store never reuses or
// decreases a version once issued.
type ResourceVersion int64

// String returns the decimal representation of the version.
func (v ResourceVersion) String() string {
	return strconv.FormatInt(int64(v), 10)
}

// NameSet is a set of object names. The zero value (nil) is a valid empty set.
type NameSet map[string]struct{}

// NewNameSet builds a set from the given names.
func NewNameSet(names ...string) NameSet {
	s := make(NameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set.
func (s NameSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Union returns a new set containing the members of both sets.
func (s NameSet) Union(other NameSet) NameSet {
	if len(other) == 0 {
		return s
	}
	if len(s) == 0 {
		return other
	}
	out := make(NameSet, len(s)+len(other))
	for n := range s {
		out[n] = struct{}{}
	}
	for n := range other {
		out[n] = struct{}{}
	}
	return out
}

// Names returns the members in sorted order.
func (s NameSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s NameSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes a JSON array into the set.
func (s *NameSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewNameSet(names...)
	return nil
}

// CacheInvalidations describes which cached derived objects a metadata change
// made stale. Values compose via Union; the zero value is the identity.
type CacheInvalidations struct {
	Metadata       bool    `json:"metadata"`
	RemoteSchemas  NameSet `json:"remote_schemas"`
	Sources        NameSet `json:"sources"`
	DataConnectors NameSet `json:"data_connectors"`
}

// Union returns the combination of both invalidation sets.
func (c CacheInvalidations) Union(other CacheInvalidations) CacheInvalidations {
	return CacheInvalidations{
		Metadata:       c.Metadata || other.Metadata,
		RemoteSchemas:  c.RemoteSchemas.Union(other.RemoteSchemas),
		Sources:        c.Sources.Union(other.Sources),
		DataConnectors: c.DataConnectors.Union(other.DataConnectors),
	}
}

// IsEmpty reports whether the value invalidates nothing.
func (c CacheInvalidations) IsEmpty() bool {
	return !c.Metadata &&
		len(c.RemoteSchemas) == 0 &&
		len(c.Sources) == 0 &&
		len(c.DataConnectors) == 0
}

// Notification is a per-version record of what changed, enabling targeted
// (non-full) cache invalidation on peer replicas.
type Notification struct {
	Version       ResourceVersion
	Invalidations CacheInvalidations
}

// Document is the authoritative metadata document. Raw carries the document
// as stored; the name slices list the derived objects it declares, which is
// all the cache rebuild path needs to know about its contents.
type Document struct {
	RemoteSchemas  []string        `json:"remote_schemas"`
	Sources        []string        `json:"sources"`
	DataConnectors []string        `json:"data_connectors"`
	Raw            json.RawMessage `json:"-"`
}

// ParseDocument decodes a stored metadata document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc.Raw = json.RawMessage(raw)
	return &doc, nil
}
