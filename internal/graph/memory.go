package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
)

type edgeKey struct {
	source schemas.NodeRef
	target schemas.NodeRef
	rel    schemas.RelationshipType
}

// InMemoryStore is a thread-safe, map-backed graph store. It mirrors the
// persistent backend's semantics exactly so tests and single-process runs can
// swap it in without behavioral drift.
type InMemoryStore struct {
	logger *zap.Logger

	mu    sync.RWMutex
	nodes map[schemas.NodeRef]*schemas.Node
	edges map[edgeKey]*schemas.Edge
	// adjacency holds outgoing and incoming edge keys per node for traversal.
	out map[schemas.NodeRef][]edgeKey
	in  map[schemas.NodeRef][]edgeKey
}

var _ schemas.GraphStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory graph store.
func NewInMemoryStore(logger *zap.Logger) *InMemoryStore {
	return &InMemoryStore{
		logger: logger.Named("graph"),
		nodes:  make(map[schemas.NodeRef]*schemas.Node),
		edges:  make(map[edgeKey]*schemas.Edge),
		out:    make(map[schemas.NodeRef][]edgeKey),
		in:     make(map[schemas.NodeRef][]edgeKey),
	}
}

// UpsertNode merges the node identified by (typ, key) with the supplied
// properties, creating it on first sight. FirstSeen is never rewritten;
// property merge is last-writer-wins per key and never deletes absent keys.
func (s *InMemoryStore) UpsertNode(ctx context.Context, typ schemas.EntityType, key string, props schemas.Properties) (schemas.Node, error) {
	if key == "" {
		return schemas.Node{}, fmt.Errorf("%w: node key must not be empty", schemas.ErrGraphConsistency)
	}
	ref := schemas.NodeRef{Type: typ, Key: key}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.nodes[ref]
	if !exists {
		node = &schemas.Node{
			Type:       typ,
			Key:        key,
			Properties: make(schemas.Properties),
			FirstSeen:  now,
		}
		s.nodes[ref] = node
		s.logger.Debug("Node created", zap.String("type", string(typ)), zap.String("key", key))
	}
	for k, v := range props {
		node.Properties[k] = v
	}
	node.LastSeen = now
	return *node, nil
}

// UpsertEdge merges the directed edge (source, target, rel), creating it on
// first sight and incrementing Occurrences on every repeat. Both endpoints
// must already exist.
func (s *InMemoryStore) UpsertEdge(ctx context.Context, source, target schemas.NodeRef, rel schemas.RelationshipType, props schemas.Properties) (schemas.Edge, error) {
	now := time.Now().UTC()
	key := edgeKey{source: source, target: target, rel: rel}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[source]; !ok {
		return schemas.Edge{}, fmt.Errorf("%w: edge source %s/%s does not exist", schemas.ErrGraphConsistency, source.Type, source.Key)
	}
	if _, ok := s.nodes[target]; !ok {
		return schemas.Edge{}, fmt.Errorf("%w: edge target %s/%s does not exist", schemas.ErrGraphConsistency, target.Type, target.Key)
	}

	edge, exists := s.edges[key]
	if !exists {
		edge = &schemas.Edge{
			Source:       source,
			Target:       target,
			Relationship: rel,
			Properties:   make(schemas.Properties),
			CreatedAt:    now,
		}
		s.edges[key] = edge
		s.out[source] = append(s.out[source], key)
		s.in[target] = append(s.in[target], key)
	}
	for k, v := range props {
		edge.Properties[k] = v
	}
	edge.Occurrences++
	edge.LastSeen = now
	return *edge, nil
}

func (s *InMemoryStore) GetNode(ctx context.Context, ref schemas.NodeRef) (schemas.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[ref]
	if !ok {
		return schemas.Node{}, fmt.Errorf("node %s/%s: %w", ref.Type, ref.Key, ErrNodeNotFound)
	}
	return cloneNode(node), nil
}

// Subgraph walks outward from ref following edges in both directions up to
// depth hops and returns the induced subgraph. Every reachable node appears
// exactly once regardless of path multiplicity.
func (s *InMemoryStore) Subgraph(ctx context.Context, ref schemas.NodeRef, depth int) (schemas.Subgraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[ref]; !ok {
		return schemas.Subgraph{}, fmt.Errorf("node %s/%s: %w", ref.Type, ref.Key, ErrNodeNotFound)
	}

	visited := map[schemas.NodeRef]bool{ref: true}
	seenEdges := make(map[edgeKey]bool)
	result := schemas.Subgraph{Root: ref, Depth: depth}
	result.Nodes = append(result.Nodes, cloneNode(s.nodes[ref]))

	frontier := []schemas.NodeRef{ref}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []schemas.NodeRef
		for _, cur := range frontier {
			for _, ek := range append(append([]edgeKey{}, s.out[cur]...), s.in[cur]...) {
				if !seenEdges[ek] {
					seenEdges[ek] = true
					result.Edges = append(result.Edges, *s.edges[ek])
				}
				neighbor := ek.target
				if neighbor == cur {
					neighbor = ek.source
				}
				if !visited[neighbor] {
					visited[neighbor] = true
					result.Nodes = append(result.Nodes, cloneNode(s.nodes[neighbor]))
					next = append(next, neighbor)
				}
			}
		}
		frontier = next
	}
	return result, nil
}

// InvestigationsFor walks INVESTIGATES edges backward from an entity to the
// investigation nodes that reference it.
func (s *InMemoryStore) InvestigationsFor(ctx context.Context, ref schemas.NodeRef) ([]schemas.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[ref]; !ok {
		return nil, fmt.Errorf("node %s/%s: %w", ref.Type, ref.Key, ErrNodeNotFound)
	}

	var investigations []schemas.Node
	for _, ek := range s.in[ref] {
		if ek.rel != schemas.RelationshipInvestigates {
			continue
		}
		if node, ok := s.nodes[ek.source]; ok && node.Type == schemas.EntityInvestigation {
			investigations = append(investigations, cloneNode(node))
		}
	}
	sort.Slice(investigations, func(i, j int) bool { return investigations[i].Key < investigations[j].Key })
	return investigations, nil
}

// SearchEntities returns nodes whose key contains query (case-insensitive),
// optionally restricted to types, most recently seen first.
func (s *InMemoryStore) SearchEntities(ctx context.Context, query string, types []schemas.EntityType, limit int) ([]schemas.Node, error) {
	wanted := make(map[schemas.EntityType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []schemas.Node
	for _, node := range s.nodes {
		if len(wanted) > 0 && !wanted[node.Type] {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(node.Key), needle) {
			continue
		}
		matches = append(matches, cloneNode(node))
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].LastSeen.Equal(matches[j].LastSeen) {
			return matches[i].LastSeen.After(matches[j].LastSeen)
		}
		return matches[i].Key < matches[j].Key
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *InMemoryStore) Stats(ctx context.Context) (schemas.GraphStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := schemas.GraphStats{
		NodesByType: make(map[schemas.EntityType]int),
		TotalNodes:  len(s.nodes),
		TotalEdges:  len(s.edges),
	}
	for ref := range s.nodes {
		stats.NodesByType[ref.Type]++
	}
	return stats, nil
}

func cloneNode(n *schemas.Node) schemas.Node {
	clone := *n
	clone.Properties = make(schemas.Properties, len(n.Properties))
	for k, v := range n.Properties {
		clone.Properties[k] = v
	}
	return clone
}
