package dsl

import (
	"sort"

	"github.com/BDNK1/chatflow/runtime"
)

// importGraph maps each step of a flow to the steps it imports.
type importGraph struct {
	nodes []string
	edges map[string][]string
}

func buildImportGraph(flow *runtime.Flow) *importGraph {
	g := &importGraph{nodes: flow.StepNames(), edges: make(map[string][]string)}
	sort.Strings(g.nodes)

	for _, step := range g.nodes {
		stmts, _ := flow.Step(step)
		seen := make(map[string]bool)
		for _, stmt := range stmts {
			runtime.Walk(stmt, func(e runtime.Expr) bool {
				imp, ok := e.(*runtime.ImportStmt)
				if !ok || seen[imp.Step] {
					return true
				}
				if _, exists := flow.Step(imp.Step); exists {
					seen[imp.Step] = true
					g.edges[step] = append(g.edges[step], imp.Step)
				}
				return true
			})
		}
	}
	return g
}

// findCycle returns a cycle of imports as [a, b, ..., a], or nil.
func (g *importGraph) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(node string) []string
	dfs = func(node string) []string {
		visited[node] = true
		onStack[node] = true

		for _, dep := range g.edges[node] {
			if !visited[dep] {
				parent[dep] = node
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			} else if onStack[dep] {
				cycle := []string{dep}
				for current := node; current != dep; current = parent[current] {
					cycle = append([]string{current}, cycle...)
				}
				return append([]string{dep}, cycle...)
			}
		}

		onStack[node] = false
		return nil
	}

	for _, node := range g.nodes {
		if !visited[node] {
			if cycle := dfs(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
