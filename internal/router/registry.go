// ABOUTME: Thread-safe registry of the tools each connected node advertises.
// ABOUTME: Resolves model-facing tool names, namespacing duplicates as nodeId__tool.

package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/session"
)

// NamespaceSep joins a node id and a tool name when a name is advertised by more than one node.
const NamespaceSep = "__"

// BuiltinNodeID is the route owner for tools the router executes itself.
const BuiltinNodeID = "router"

// Registry errors
var (
	ErrToolNotFound    = errors.New("tool not found")
	ErrAmbiguousTool   = errors.New("tool name is ambiguous")
	ErrNodeUnavailable = errors.New("node unavailable")
)

// Registry maps node ids to their advertised tools. Built-in tools count as
// owned by BuiltinNodeID.
type Registry struct {
	mu       sync.RWMutex
	nodes    map[string]map[string]protocol.ToolDefinition // node id -> tool name -> definition
	builtins map[string]protocol.ToolDefinition
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		nodes:    make(map[string]map[string]protocol.ToolDefinition),
		builtins: make(map[string]protocol.ToolDefinition),
		logger:   logger,
	}
}

// RegisterBuiltin adds a tool the router executes in-process.
func (r *Registry) RegisterBuiltin(def protocol.ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[def.Name] = def
}

// SetNodeTools replaces the tools a node advertises. Tools without a name are skipped.
func (r *Registry) SetNodeTools(nodeID string, defs []protocol.ToolDefinition) {
	tools := make(map[string]protocol.ToolDefinition, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			r.logger.Warn("skipping unnamed tool", "node_id", nodeID)
			continue
		}
		tools[d.Name] = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeID] = tools
	r.logger.Info("node tools registered",
		"node_id", nodeID,
		"tool_count", len(tools),
		"total_nodes", len(r.nodes),
	)
}

// RemoveNode drops every tool a node advertised.
func (r *Registry) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; !ok {
		return
	}
	delete(r.nodes, nodeID)
	r.logger.Info("node tools removed", "node_id", nodeID, "total_nodes", len(r.nodes))
}

// ownersLocked returns the owners of name: the builtin first, then nodes by id.
func (r *Registry) ownersLocked(name string) []string {
	var nodes []string
	for nodeID, tools := range r.nodes {
		if _, ok := tools[name]; ok {
			nodes = append(nodes, nodeID)
		}
	}
	sort.Strings(nodes)
	if _, ok := r.builtins[name]; ok {
		return append([]string{BuiltinNodeID}, nodes...)
	}
	return nodes
}

// countsLocked returns how many owners offer each tool name.
func (r *Registry) countsLocked() map[string]int {
	counts := make(map[string]int)
	for name := range r.builtins {
		counts[name]++
	}
	for _, tools := range r.nodes {
		for name := range tools {
			counts[name]++
		}
	}
	return counts
}

func (r *Registry) definitionLocked(nodeID, name string) (protocol.ToolDefinition, bool) {
	if nodeID == BuiltinNodeID {
		d, ok := r.builtins[name]
		return d, ok
	}
	d, ok := r.nodes[nodeID][name]
	return d, ok
}

// Resolve maps a model-facing name to the owning node, the un-namespaced tool name,
// and its definition.
func (r *Registry) Resolve(name string) (session.ToolRoute, protocol.ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if nodeID, tool, ok := strings.Cut(name, NamespaceSep); ok {
		if def, found := r.definitionLocked(nodeID, tool); found {
			return session.ToolRoute{NodeID: nodeID, Tool: tool}, def, nil
		}
	}

	owners := r.ownersLocked(name)
	switch len(owners) {
	case 0:
		return session.ToolRoute{}, protocol.ToolDefinition{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	case 1:
		def, _ := r.definitionLocked(owners[0], name)
		return session.ToolRoute{NodeID: owners[0], Tool: name}, def, nil
	default:
		return session.ToolRoute{}, protocol.ToolDefinition{}, fmt.Errorf("%w: %s is offered by %s; use nodeId%stool",
			ErrAmbiguousTool, name, strings.Join(owners, ", "), NamespaceSep)
	}
}

// exposedName is the name the model sees for a tool owned by nodeID.
func exposedName(nodeID, tool string, owners int) string {
	if owners > 1 {
		return nodeID + NamespaceSep + tool
	}
	return tool
}

// Snapshot returns every tool as offered to the model together with its route.
// Names offered by more than one owner are namespaced; unique names stay bare.
func (r *Registry) Snapshot() ([]llm.Tool, map[string]session.ToolRoute) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := r.countsLocked()

	var tools []llm.Tool
	routes := make(map[string]session.ToolRoute)
	add := func(nodeID string, def protocol.ToolDefinition) {
		name := exposedName(nodeID, def.Name, counts[def.Name])
		tools = append(tools, llm.Tool{Name: name, Description: def.Description, Parameters: def.Parameters})
		routes[name] = session.ToolRoute{NodeID: nodeID, Tool: def.Name}
	}
	for _, def := range r.builtins {
		add(BuiltinNodeID, def)
	}
	for nodeID, defs := range r.nodes {
		for _, def := range defs {
			add(nodeID, def)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, routes
}

// List returns every node tool with its model-facing name, sorted by name.
func (r *Registry) List() []protocol.NodeTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := r.countsLocked()

	var out []protocol.NodeTool
	for _, def := range r.builtins {
		out = append(out, protocol.NodeTool{NodeID: BuiltinNodeID, Name: exposedName(BuiltinNodeID, def.Name, counts[def.Name]), Tool: def})
	}
	for nodeID, defs := range r.nodes {
		for _, def := range defs {
			out = append(out, protocol.NodeTool{NodeID: nodeID, Name: exposedName(nodeID, def.Name, counts[def.Name]), Tool: def})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
