package flowgraph

import (
	"fmt"

	"github.com/flowdeck/flowdeck/internal/models"
)

// ValidationError describes why a flow definition was rejected at load time.
type ValidationError struct {
	FlowID string
	NodeID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("flow %s invalid at node %s: %s", e.FlowID, e.NodeID, e.Reason)
	}
	return fmt.Sprintf("flow %s invalid: %s", e.FlowID, e.Reason)
}

// Validate checks the structural invariants of a flow definition:
//
//	(a) every edge endpoint resolves to a node in the flow;
//	(b) every node is reachable from the entry node;
//	(c) branching nodes only use branch keys from their declared options,
//	    with at most one unkeyed default edge per node;
//	(d) every cycle passes through at least one suspending node.
//
// Violations reject the flow before execution; they are never discovered
// mid-walk. Pure function over the definition.
func Validate(flow *models.Flow) error {
	g, err := Build(flow)
	if err != nil {
		return &ValidationError{FlowID: flow.ID, Reason: err.Error()}
	}

	for _, e := range flow.Edges {
		if _, ok := g.nodes[e.SourceID]; !ok {
			return &ValidationError{FlowID: flow.ID, Reason: fmt.Sprintf("edge source %s does not exist", e.SourceID)}
		}
		if _, ok := g.nodes[e.TargetID]; !ok {
			return &ValidationError{FlowID: flow.ID, Reason: fmt.Sprintf("edge target %s does not exist", e.TargetID)}
		}
	}

	if err := checkBranchKeys(flow, g); err != nil {
		return err
	}
	if err := checkReachability(flow, g); err != nil {
		return err
	}
	return checkCycles(flow, g)
}

// checkBranchKeys enforces invariant (c). Non-branching nodes with more than
// one outgoing edge would make the next step ambiguous, so they are rejected
// unless every extra edge is keyed (failure paths are keyed edges too).
func checkBranchKeys(flow *models.Flow, g *Graph) error {
	for id, node := range g.nodes {
		succs := g.adjac[id]
		defaults := 0
		for _, s := range succs {
			if s.BranchKey == "" {
				defaults++
			}
		}
		if defaults > 1 {
			return &ValidationError{FlowID: flow.ID, NodeID: id, Reason: "more than one default edge"}
		}

		switch node.Kind {
		case models.NodeKindQuickReply:
			declared := make(map[string]bool, len(node.Options))
			for _, opt := range node.Options {
				declared[opt.BranchKey] = true
			}
			for _, s := range succs {
				if s.BranchKey == "" {
					continue
				}
				if !declared[s.BranchKey] {
					return &ValidationError{FlowID: flow.ID, NodeID: id,
						Reason: fmt.Sprintf("edge branch key %q is not a declared option", s.BranchKey)}
				}
			}
		case models.NodeKindFAQSearch:
			for _, s := range succs {
				switch s.BranchKey {
				case "", models.BranchKeyFound, models.BranchKeyNotFound, models.BranchKeyFailure:
				default:
					return &ValidationError{FlowID: flow.ID, NodeID: id,
						Reason: fmt.Sprintf("edge branch key %q is not valid for faq-search", s.BranchKey)}
				}
			}
		default:
			keyed := 0
			for _, s := range succs {
				if s.BranchKey != "" && s.BranchKey != models.BranchKeyFailure {
					keyed++
				}
			}
			if len(succs) > 1 && keyed > 0 {
				return &ValidationError{FlowID: flow.ID, NodeID: id, Reason: "non-branching node has keyed edges"}
			}
			if len(succs) > 1 && defaults > 1 {
				return &ValidationError{FlowID: flow.ID, NodeID: id, Reason: "ambiguous outgoing edges"}
			}
		}
	}
	return nil
}

// checkReachability enforces invariant (b) with a traversal from the entry.
func checkReachability(flow *models.Flow, g *Graph) error {
	seen := make(map[string]bool, len(g.nodes))
	stack := []string{g.entryID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, s := range g.adjac[id] {
			stack = append(stack, s.TargetID)
		}
	}
	for id := range g.nodes {
		if !seen[id] {
			return &ValidationError{FlowID: flow.ID, NodeID: id, Reason: "node is unreachable from entry"}
		}
	}
	return nil
}

// checkCycles enforces invariant (d): a cycle that never suspends would loop
// synchronously forever. Suspending nodes are removed from the graph and the
// remainder must be acyclic.
func checkCycles(flow *models.Flow, g *Graph) error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))

	var visit func(id string) *ValidationError
	visit = func(id string) *ValidationError {
		state[id] = inStack
		for _, s := range g.adjac[id] {
			next, ok := g.nodes[s.TargetID]
			if !ok || models.IsSuspendingNodeKind(next.Kind) {
				continue
			}
			switch state[s.TargetID] {
			case inStack:
				return &ValidationError{FlowID: flow.ID, NodeID: s.TargetID,
					Reason: "cycle without a suspending node"}
			case unvisited:
				if err := visit(s.TargetID); err != nil {
					return err
				}
			}
		}
		state[id] = done
		return nil
	}

	for id, node := range g.nodes {
		if models.IsSuspendingNodeKind(node.Kind) {
			// Suspending nodes break cycles; their successors still get
			// visited as roots below if nothing else reaches them.
			continue
		}
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
