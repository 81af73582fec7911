package schemacache

import (
	"context"
	"fmt"

	"github.com/graphmesh/schemasync/internal/metadata"
)

// documentRebuilder is the default Rebuilder. It recompiles the derived
// object sets straight from the metadata document. The real engine plugs in
// its GraphQL compiler here; the invalidation set tells it which compiled
// objects it may not reuse from the current snapshot.
type documentRebuilder struct{}

// NewDocumentRebuilder creates the default document-driven rebuilder.
func NewDocumentRebuilder() Rebuilder {
	return &documentRebuilder{}
}

func (*documentRebuilder) ApplyInvalidations(
	_ context.Context,
	current *SchemaCache,
	inv metadata.CacheInvalidations,
	doc *metadata.Document,
) (*SchemaCache, BuildMessages, error) {
	if doc == nil {
		return nil, nil, fmt.Errorf("metadata document is required")
	}

	next := current.Clone()
	next.Document = doc
	next.RemoteSchemas = metadata.NewNameSet(doc.RemoteSchemas...)
	next.Sources = metadata.NewNameSet(doc.Sources...)
	next.DataConnectors = metadata.NewNameSet(doc.DataConnectors...)

	var messages BuildMessages
	if inv.Metadata {
		messages = append(messages, "recompiled metadata")
	}
	for _, name := range inv.RemoteSchemas.Names() {
		if !next.RemoteSchemas.Has(name) {
			messages = append(messages, fmt.Sprintf("remote schema %q removed", name))
		}
	}
	for _, name := range inv.Sources.Names() {
		if !next.Sources.Has(name) {
			messages = append(messages, fmt.Sprintf("source %q removed", name))
		}
	}
	for _, name := range inv.DataConnectors.Names() {
		if !next.DataConnectors.Has(name) {
			messages = append(messages, fmt.Sprintf("data connector %q removed", name))
		}
	}
	return next, messages, nil
}
