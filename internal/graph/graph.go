package graph

import "errors"

// ErrNodeNotFound reports a lookup for a node that is not in the graph.
var ErrNodeNotFound = errors.New("node not found")
