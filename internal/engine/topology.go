package engine

import (
	"context"
	"sort"
	"strings"
)

// DependencyEdge states that Service calls DependsOn.
type DependencyEdge struct {
	Service   string
	DependsOn string
}

// Topology supplies service dependency edges.
type Topology interface {
	Dependencies(ctx context.Context) ([]DependencyEdge, error)
}

// StaticTopology serves edges from configuration.
type StaticTopology struct {
	edges []DependencyEdge
}

// NewStaticTopology builds edges from a service -> dependencies map.
func NewStaticTopology(deps map[string][]string) *StaticTopology {
	edges := make([]DependencyEdge, 0)
	for svc, targets := range deps {
		for _, target := range targets {
			if svc == "" || target == "" || strings.EqualFold(svc, target) {
				continue
			}
			edges = append(edges, DependencyEdge{Service: svc, DependsOn: target})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Service != edges[j].Service {
			return edges[i].Service < edges[j].Service
		}
		return edges[i].DependsOn < edges[j].DependsOn
	})
	return &StaticTopology{edges: edges}
}

// Dependencies implements Topology.
func (t *StaticTopology) Dependencies(context.Context) ([]DependencyEdge, error) {
	if t == nil {
		return nil, nil
	}
	return append([]DependencyEdge(nil), t.edges...), nil
}

// dependencyIndex answers "does a depend on b" case-insensitively.
type dependencyIndex map[string]map[string]struct{}

func indexEdges(edges []DependencyEdge) dependencyIndex {
	idx := make(dependencyIndex)
	for _, e := range edges {
		from := strings.ToLower(e.Service)
		if idx[from] == nil {
			idx[from] = make(map[string]struct{})
		}
		idx[from][strings.ToLower(e.DependsOn)] = struct{}{}
	}
	return idx
}

func (d dependencyIndex) dependsOn(service, target string) bool {
	_, ok := d[strings.ToLower(service)][strings.ToLower(target)]
	return ok
}

func (d dependencyIndex) linked(a, b string) bool {
	if strings.EqualFold(a, b) {
		return false
	}
	return d.dependsOn(a, b) || d.dependsOn(b, a)
}
