package schemas

import (
	"time"
)

// -- Canonical Knowledge Graph Data Model --

// EntityType represents the specific type of an entity (node) in the knowledge graph.
// Entities are global: the same (type, natural key) pair discovered by two different
// investigations refers to the same node.
type EntityType string

const (
	EntityDomain        EntityType = "DOMAIN"
	EntityIPAddress     EntityType = "IP_ADDRESS"
	EntityOrganization  EntityType = "ORGANIZATION"
	EntityThreatActor   EntityType = "THREAT_ACTOR"
	EntityIndicator     EntityType = "INDICATOR"
	EntityPerson        EntityType = "PERSON"
	EntityEmail         EntityType = "EMAIL"
	EntityURL           EntityType = "URL"
	EntityPhone         EntityType = "PHONE"
	EntityLocation      EntityType = "LOCATION"
	EntityUsername      EntityType = "USERNAME"
	EntityInvestigation EntityType = "INVESTIGATION"
)

// RelationshipType defines the semantic type of a relationship (edge) between
// two nodes in the knowledge graph.
type RelationshipType string

const (
	RelationshipInvestigates RelationshipType = "INVESTIGATES" // An INVESTIGATION investigates an entity.
	RelationshipResolvesTo   RelationshipType = "RESOLVES_TO"  // e.g., A DOMAIN resolves to an IP_ADDRESS.
	RelationshipHosts        RelationshipType = "HOSTS"        // e.g., An IP_ADDRESS hosts a DOMAIN.
	RelationshipOwns         RelationshipType = "OWNS"         // e.g., An ORGANIZATION owns a DOMAIN.
	RelationshipUses         RelationshipType = "USES"         // e.g., A THREAT_ACTOR uses an INDICATOR.
	RelationshipAssociatedTo RelationshipType = "ASSOCIATED_TO"
	RelationshipMemberOf     RelationshipType = "MEMBER_OF"
	RelationshipLocatedIn    RelationshipType = "LOCATED_IN"
)

// Properties is a free form property bag attached to nodes and edges. Merges are
// last-writer-wins per key; a merge never deletes keys that were not supplied.
type Properties map[string]any

// NodeRef identifies a node by its natural identity. For entities the key is the
// value itself (domain name, dotted IP, organization name); for investigations it
// is the investigation ID.
type NodeRef struct {
	Type EntityType `json:"type"`
	Key  string     `json:"key"`
}

// Node is a de-duplicated, typed node in the cross-investigation knowledge graph.
// For a given (Type, Key) pair at most one node exists.
type Node struct {
	Type       EntityType `json:"type"`
	Key        string     `json:"key"`
	Properties Properties `json:"properties,omitempty"`
	FirstSeen  time.Time  `json:"first_seen"`
	LastSeen   time.Time  `json:"last_seen"`
}

// Ref returns the node's natural identity.
func (n Node) Ref() NodeRef { return NodeRef{Type: n.Type, Key: n.Key} }

// Edge is a directed, typed edge between two nodes. Edge identity is the ordered
// triple (Source, Target, Relationship); repeated discovery increments Occurrences
// instead of creating duplicates.
type Edge struct {
	Source       NodeRef          `json:"source"`
	Target       NodeRef          `json:"target"`
	Relationship RelationshipType `json:"relationship"`
	Properties   Properties       `json:"properties,omitempty"`
	Occurrences  int              `json:"occurrences"`
	CreatedAt    time.Time        `json:"created_at"`
	LastSeen     time.Time        `json:"last_seen"`
}

// Subgraph is the induced subgraph returned by a traversal query. Nodes reachable
// via multiple paths appear exactly once.
type Subgraph struct {
	Root  NodeRef `json:"root"`
	Depth int     `json:"depth"`
	Nodes []Node  `json:"nodes"`
	Edges []Edge  `json:"edges"`
}

// GraphStats summarizes the graph: node counts per entity type plus the total
// edge count.
type GraphStats struct {
	NodesByType map[EntityType]int `json:"nodes_by_type"`
	TotalNodes  int                `json:"total_nodes"`
	TotalEdges  int                `json:"total_edges"`
}

// ExtractedEntity is a typed entity candidate produced by the entity extractor
// before it is merged into the graph.
type ExtractedEntity struct {
	Type       EntityType `json:"type"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
	Context    string     `json:"context,omitempty"`
	Properties Properties `json:"properties,omitempty"`
}
