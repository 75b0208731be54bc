package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PgxPool is the subset of pgxpool.Pool the store uses, extracted so tests can
// substitute a mock pool.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const graphSchemaSQL = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	type       TEXT NOT NULL,
	key        TEXT NOT NULL,
	properties JSONB NOT NULL DEFAULT '{}',
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (type, key)
);

CREATE TABLE IF NOT EXISTS graph_edges (
	source_type  TEXT NOT NULL,
	source_key   TEXT NOT NULL,
	target_type  TEXT NOT NULL,
	target_key   TEXT NOT NULL,
	relationship TEXT NOT NULL,
	properties   JSONB NOT NULL DEFAULT '{}',
	occurrences  INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	last_seen    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_type, source_key, target_type, target_key, relationship),
	FOREIGN KEY (source_type, source_key) REFERENCES graph_nodes(type, key),
	FOREIGN KEY (target_type, target_key) REFERENCES graph_nodes(type, key)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target_type, target_key);
CREATE INDEX IF NOT EXISTS idx_graph_nodes_last_seen ON graph_nodes(last_seen DESC);
`

// PostgresStore is the shared persistent graph backend. Upsert atomicity rides
// on INSERT ... ON CONFLICT, so concurrent merges of the same entity from
// parallel investigations collapse into one row without advisory locks.
type PostgresStore struct {
	pool   PgxPool
	logger *zap.Logger
}

var _ schemas.GraphStore = (*PostgresStore)(nil)

// NewPostgresStore connects to the database and ensures the graph schema
// exists.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to graph database: %w", err)
	}
	store := NewPostgresStoreWithPool(pool, logger)
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool wraps an existing pool without touching the schema.
func NewPostgresStoreWithPool(pool PgxPool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger.Named("graph.postgres")}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, graphSchemaSQL); err != nil {
		return fmt.Errorf("applying graph schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertNode(ctx context.Context, typ schemas.EntityType, key string, props schemas.Properties) (schemas.Node, error) {
	if key == "" {
		return schemas.Node{}, fmt.Errorf("%w: node key must not be empty", schemas.ErrGraphConsistency)
	}
	propsJSON, err := marshalProps(props)
	if err != nil {
		return schemas.Node{}, err
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO graph_nodes (type, key, properties, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (type, key) DO UPDATE SET
			properties = graph_nodes.properties || EXCLUDED.properties,
			last_seen  = EXCLUDED.last_seen
		RETURNING properties, first_seen, last_seen`,
		string(typ), key, propsJSON, now)

	node := schemas.Node{Type: typ, Key: key}
	var merged []byte
	if err := row.Scan(&merged, &node.FirstSeen, &node.LastSeen); err != nil {
		return schemas.Node{}, fmt.Errorf("upserting node %s/%s: %w", typ, key, err)
	}
	if err := json.Unmarshal(merged, &node.Properties); err != nil {
		return schemas.Node{}, fmt.Errorf("decoding node properties: %w", err)
	}
	return node, nil
}

func (s *PostgresStore) UpsertEdge(ctx context.Context, source, target schemas.NodeRef, rel schemas.RelationshipType, props schemas.Properties) (schemas.Edge, error) {
	propsJSON, err := marshalProps(props)
	if err != nil {
		return schemas.Edge{}, err
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO graph_edges (source_type, source_key, target_type, target_key, relationship, properties, occurrences, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		ON CONFLICT (source_type, source_key, target_type, target_key, relationship) DO UPDATE SET
			properties  = graph_edges.properties || EXCLUDED.properties,
			occurrences = graph_edges.occurrences + 1,
			last_seen   = EXCLUDED.last_seen
		RETURNING properties, occurrences, created_at, last_seen`,
		string(source.Type), source.Key, string(target.Type), target.Key, string(rel), propsJSON, now)

	edge := schemas.Edge{Source: source, Target: target, Relationship: rel}
	var merged []byte
	if err := row.Scan(&merged, &edge.Occurrences, &edge.CreatedAt, &edge.LastSeen); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return schemas.Edge{}, fmt.Errorf("%w: edge endpoint missing for %s -> %s", schemas.ErrGraphConsistency, source.Key, target.Key)
		}
		return schemas.Edge{}, fmt.Errorf("upserting edge %s -[%s]-> %s: %w", source.Key, rel, target.Key, err)
	}
	if err := json.Unmarshal(merged, &edge.Properties); err != nil {
		return schemas.Edge{}, fmt.Errorf("decoding edge properties: %w", err)
	}
	return edge, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, ref schemas.NodeRef) (schemas.Node, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT properties, first_seen, last_seen FROM graph_nodes WHERE type = $1 AND key = $2`,
		string(ref.Type), ref.Key)

	node := schemas.Node{Type: ref.Type, Key: ref.Key}
	var props []byte
	err := row.Scan(&props, &node.FirstSeen, &node.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.Node{}, fmt.Errorf("node %s/%s: %w", ref.Type, ref.Key, ErrNodeNotFound)
	}
	if err != nil {
		return schemas.Node{}, fmt.Errorf("reading node %s/%s: %w", ref.Type, ref.Key, err)
	}
	if err := json.Unmarshal(props, &node.Properties); err != nil {
		return schemas.Node{}, fmt.Errorf("decoding node properties: %w", err)
	}
	return node, nil
}

// Subgraph performs an iterative breadth-first expansion, one round trip per
// hop, deduplicating nodes reached through multiple paths.
func (s *PostgresStore) Subgraph(ctx context.Context, ref schemas.NodeRef, depth int) (schemas.Subgraph, error) {
	root, err := s.GetNode(ctx, ref)
	if err != nil {
		return schemas.Subgraph{}, err
	}

	result := schemas.Subgraph{Root: ref, Depth: depth, Nodes: []schemas.Node{root}}
	visited := map[schemas.NodeRef]bool{ref: true}
	seenEdges := make(map[string]bool)

	frontier := []schemas.NodeRef{ref}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []schemas.NodeRef
		for _, cur := range frontier {
			edges, err := s.edgesTouching(ctx, cur)
			if err != nil {
				return schemas.Subgraph{}, err
			}
			for _, e := range edges {
				id := edgeIdentity(e)
				if !seenEdges[id] {
					seenEdges[id] = true
					result.Edges = append(result.Edges, e)
				}
				neighbor := e.Target
				if neighbor == cur {
					neighbor = e.Source
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				node, err := s.GetNode(ctx, neighbor)
				if err != nil {
					if errors.Is(err, ErrNodeNotFound) {
						continue
					}
					return schemas.Subgraph{}, err
				}
				result.Nodes = append(result.Nodes, node)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return result, nil
}

func (s *PostgresStore) edgesTouching(ctx context.Context, ref schemas.NodeRef) ([]schemas.Edge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_type, source_key, target_type, target_key, relationship, properties, occurrences, created_at, last_seen
		FROM graph_edges
		WHERE (source_type = $1 AND source_key = $2) OR (target_type = $1 AND target_key = $2)`,
		string(ref.Type), ref.Key)
	if err != nil {
		return nil, fmt.Errorf("reading edges for %s/%s: %w", ref.Type, ref.Key, err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func (s *PostgresStore) InvestigationsFor(ctx context.Context, ref schemas.NodeRef) ([]schemas.Node, error) {
	if _, err := s.GetNode(ctx, ref); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT n.type, n.key, n.properties, n.first_seen, n.last_seen
		FROM graph_edges e
		JOIN graph_nodes n ON n.type = e.source_type AND n.key = e.source_key
		WHERE e.relationship = $1 AND e.target_type = $2 AND e.target_key = $3 AND n.type = $4
		ORDER BY n.key`,
		string(schemas.RelationshipInvestigates), string(ref.Type), ref.Key, string(schemas.EntityInvestigation))
	if err != nil {
		return nil, fmt.Errorf("reading investigations for %s/%s: %w", ref.Type, ref.Key, err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *PostgresStore) SearchEntities(ctx context.Context, query string, types []schemas.EntityType, limit int) ([]schemas.Node, error) {
	if limit <= 0 {
		limit = 50
	}
	typeStrings := make([]string, 0, len(types))
	for _, t := range types {
		typeStrings = append(typeStrings, string(t))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT type, key, properties, first_seen, last_seen
		FROM graph_nodes
		WHERE key ILIKE '%' || $1 || '%'
		  AND (cardinality($2::text[]) = 0 OR type = ANY($2))
		ORDER BY last_seen DESC, key
		LIMIT $3`,
		query, typeStrings, limit)
	if err != nil {
		return nil, fmt.Errorf("searching entities: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *PostgresStore) Stats(ctx context.Context) (schemas.GraphStats, error) {
	stats := schemas.GraphStats{NodesByType: make(map[schemas.EntityType]int)}

	rows, err := s.pool.Query(ctx, `SELECT type, COUNT(*) FROM graph_nodes GROUP BY type`)
	if err != nil {
		return schemas.GraphStats{}, fmt.Errorf("counting nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return schemas.GraphStats{}, err
		}
		stats.NodesByType[schemas.EntityType(typ)] = count
		stats.TotalNodes += count
	}
	if err := rows.Err(); err != nil {
		return schemas.GraphStats{}, err
	}

	row := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM graph_edges`)
	if err := row.Scan(&stats.TotalEdges); err != nil {
		return schemas.GraphStats{}, fmt.Errorf("counting edges: %w", err)
	}
	return stats, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func marshalProps(props schemas.Properties) ([]byte, error) {
	if props == nil {
		props = schemas.Properties{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshaling properties: %w", err)
	}
	return data, nil
}

func scanNodes(rows pgx.Rows) ([]schemas.Node, error) {
	var nodes []schemas.Node
	for rows.Next() {
		var node schemas.Node
		var typ string
		var props []byte
		if err := rows.Scan(&typ, &node.Key, &props, &node.FirstSeen, &node.LastSeen); err != nil {
			return nil, err
		}
		node.Type = schemas.EntityType(typ)
		if err := json.Unmarshal(props, &node.Properties); err != nil {
			return nil, fmt.Errorf("decoding node properties: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func scanEdges(rows pgx.Rows) ([]schemas.Edge, error) {
	var edges []schemas.Edge
	for rows.Next() {
		var e schemas.Edge
		var sType, tType, rel string
		var props []byte
		if err := rows.Scan(&sType, &e.Source.Key, &tType, &e.Target.Key, &rel, &props, &e.Occurrences, &e.CreatedAt, &e.LastSeen); err != nil {
			return nil, err
		}
		e.Source.Type = schemas.EntityType(sType)
		e.Target.Type = schemas.EntityType(tType)
		e.Relationship = schemas.RelationshipType(rel)
		if err := json.Unmarshal(props, &e.Properties); err != nil {
			return nil, fmt.Errorf("decoding edge properties: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func edgeIdentity(e schemas.Edge) string {
	return string(e.Source.Type) + "|" + e.Source.Key + "|" + string(e.Target.Type) + "|" + e.Target.Key + "|" + string(e.Relationship)
}
