package fedplan

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// Supergraph is the composition of a set of subgraphs.
type Supergraph struct {
	// Schema is the API schema client operations are validated against.
	Schema *ast.Schema
	// SDL is the printed API schema.
	SDL string

	subgraphs []*Subgraph
	byName    map[string]*Subgraph
	hash      uint64
}

// NewSupergraph composes the given subgraphs. Subgraphs are ordered by name
// so that the result does not depend on the argument order.
func NewSupergraph(subgraphs ...*Subgraph) (*Supergraph, error) {
	sorted := append([]*Subgraph(nil), subgraphs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	byName := make(map[string]*Subgraph, len(sorted))
	for _, s := range sorted {
		if _, ok := byName[s.Name]; ok {
			return nil, schemaErrorf(s.Name, "duplicate subgraph name")
		}
		byName[s.Name] = s
	}

	if err := applyOverrides(sorted, byName); err != nil {
		return nil, err
	}

	schema, sdl, err := MergeSubgraphs(sorted...)
	if err != nil {
		return nil, &SchemaConstructionError{Message: err.Error()}
	}

	h := xxhash.New()
	for _, s := range sorted {
		_, _ = h.WriteString(s.Name)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(s.SDL)
		_, _ = h.WriteString("\x00")
	}

	return &Supergraph{
		Schema:    schema,
		SDL:       sdl,
		subgraphs: sorted,
		byName:    byName,
		hash:      h.Sum64(),
	}, nil
}

// applyOverrides marks the fields taken over with @override(from:) as no
// longer resolvable in the subgraph they come from.
func applyOverrides(subgraphs []*Subgraph, byName map[string]*Subgraph) error {
	for _, s := range subgraphs {
		s.overridden = map[string]bool{}
	}
	for _, s := range subgraphs {
		coords := make([]string, 0, len(s.fields))
		for coord := range s.fields {
			coords = append(coords, coord)
		}
		sort.Strings(coords)
		for _, coord := range coords {
			meta := s.fields[coord]
			if meta.Override == "" {
				continue
			}
			if meta.Override == s.Name {
				return schemaErrorf(s.Name, "field %s cannot override itself", coord)
			}
			if from, ok := byName[meta.Override]; ok {
				from.overridden[coord] = true
			}
		}
	}
	return nil
}

// Subgraphs returns the subgraphs ordered by name.
func (s *Supergraph) Subgraphs() []*Subgraph {
	return s.subgraphs
}

// Subgraph returns a subgraph by name, or nil.
func (s *Supergraph) Subgraph(name string) *Subgraph {
	return s.byName[name]
}

// Hash identifies the supergraph generation. It is stable across processes
// and can key an external plan cache together with the operation.
func (s *Supergraph) Hash() uint64 {
	return s.hash
}

// FieldSubgraphs returns the names of the subgraphs able to resolve a field.
func (s *Supergraph) FieldSubgraphs(typeName, fieldName string) []string {
	var names []string
	for _, sub := range s.subgraphs {
		if sub.Resolves(typeName, fieldName) {
			names = append(names, sub.Name)
		}
	}
	return names
}
