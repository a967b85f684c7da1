// Package flowgraph builds executable directed graphs from authored flow
// definitions and validates their shape before the engine will run them.
package flowgraph

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/flowdeck/flowdeck/internal/models"
)

// Successor is one outgoing connection from a node.
type Successor struct {
	TargetID  string
	BranchKey string
}

// Graph is the executable view of a flow: nodes keyed by id and a strictly
// directed adjacency list keyed by source node id. Authoring-tool handle
// identifiers are discarded at build time; direction is source -> target only.
type Graph struct {
	nodes   map[string]*models.Node
	adjac   map[string][]Successor
	entryID string
}

// documentEdge mirrors the authoring document's edge entries. Handle fields
// are accepted and dropped: they describe where the connector was drawn, not
// which way execution goes.
type documentEdge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	BranchKey    string `json:"branch_key,omitempty"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

type document struct {
	Nodes []models.Node  `json:"nodes"`
	Edges []documentEdge `json:"edges"`
}

// ParseDocument decodes a raw authoring document into nodes and edges.
func ParseDocument(raw []byte) ([]models.Node, []models.Edge, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Error("flowgraph ParseDocument unmarshal failed", "error", err)
		return nil, nil, fmt.Errorf("failed to parse flow document: %w", err)
	}
	edges := make([]models.Edge, 0, len(doc.Edges))
	for _, e := range doc.Edges {
		if e.SourceHandle != "" || e.TargetHandle != "" {
			slog.Debug("flowgraph ParseDocument discarding edge handles", "source", e.Source, "target", e.Target)
		}
		edges = append(edges, models.Edge{SourceID: e.Source, TargetID: e.Target, BranchKey: e.BranchKey})
	}
	return doc.Nodes, edges, nil
}

// Build constructs a Graph from a flow definition. It resolves the entry node
// (explicit entry flag, else the unique node with no incoming edge) but does
// not run structural validation; call Validate for that.
func Build(flow *models.Flow) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*models.Node, len(flow.Nodes)),
		adjac: make(map[string][]Successor),
	}
	for i := range flow.Nodes {
		n := &flow.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("flow %s: node with empty id", flow.ID)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("flow %s: duplicate node id %s", flow.ID, n.ID)
		}
		g.nodes[n.ID] = n
	}

	incoming := make(map[string]int)
	for _, e := range flow.Edges {
		g.adjac[e.SourceID] = append(g.adjac[e.SourceID], Successor{TargetID: e.TargetID, BranchKey: e.BranchKey})
		incoming[e.TargetID]++
	}

	for i := range flow.Nodes {
		if flow.Nodes[i].Entry {
			if g.entryID != "" {
				return nil, fmt.Errorf("flow %s: multiple entry nodes", flow.ID)
			}
			g.entryID = flow.Nodes[i].ID
		}
	}
	if g.entryID == "" {
		var roots []string
		for i := range flow.Nodes {
			if incoming[flow.Nodes[i].ID] == 0 {
				roots = append(roots, flow.Nodes[i].ID)
			}
		}
		if len(roots) != 1 {
			return nil, fmt.Errorf("flow %s: cannot determine entry node (%d candidates)", flow.ID, len(roots))
		}
		g.entryID = roots[0]
	}
	return g, nil
}

// EntryID returns the id of the node execution starts at on a fresh event.
func (g *Graph) EntryID() string {
	return g.entryID
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*models.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Successors returns the outgoing connections of a node in document order.
func (g *Graph) Successors(id string) []Successor {
	return g.adjac[id]
}

// DefaultSuccessor returns the single unkeyed outgoing edge of a node, if any.
func (g *Graph) DefaultSuccessor(id string) (Successor, bool) {
	for _, s := range g.adjac[id] {
		if s.BranchKey == "" {
			return s, true
		}
	}
	return Successor{}, false
}

// BranchSuccessor returns the outgoing edge carrying the given branch key.
func (g *Graph) BranchSuccessor(id, branchKey string) (Successor, bool) {
	for _, s := range g.adjac[id] {
		if s.BranchKey == branchKey {
			return s, true
		}
	}
	return Successor{}, false
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}
