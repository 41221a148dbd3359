package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ovren/stagehand/internal/service"
)

// CycleError reports a dependency cycle among service definitions.
type CycleError struct {
	Cycle []string // service names along the back edge, in order
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// Graph is the immutable dependency structure over a set of service specs.
type Graph struct {
	specs map[string]service.Spec
	// dependents[x] lists services that declare depends_on = [... x ...]
	dependents map[string][]string
	plan       []string
}

// New validates the depends_on relation (known targets, acyclicity) and
// computes the start plan. The plan is a topological order; among services
// whose dependencies are all resolved, ties break by ascending priority and
// then by name so the order is deterministic.
func New(specs []service.Spec) (*Graph, error) {
	g := &Graph{
		specs:      make(map[string]service.Spec, len(specs)),
		dependents: make(map[string][]string),
	}
	for _, s := range specs {
		if _, dup := g.specs[s.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %s", s.Name)
		}
		g.specs[s.Name] = s
	}
	for _, s := range specs {
		for _, d := range s.DependsOn {
			if _, ok := g.specs[d]; !ok {
				return nil, fmt.Errorf("service %s depends on unknown service %s", s.Name, d)
			}
			g.dependents[d] = append(g.dependents[d], s.Name)
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	g.plan = g.computePlan()
	return g, nil
}

// visit colors for cycle detection.
const (
	unvisited = iota
	visiting
	done
)

func (g *Graph) checkAcyclic() error {
	color := make(map[string]int, len(g.specs))
	var stack []string

	var dfs func(name string) *CycleError
	dfs = func(name string) *CycleError {
		color[name] = visiting
		stack = append(stack, name)
		for _, d := range sortedDeps(g.specs[name]) {
			switch color[d] {
			case visiting:
				// back edge: slice the stack from the first occurrence of d
				idx := 0
				for i, n := range stack {
					if n == d {
						idx = i
						break
					}
				}
				cycle := append(append([]string{}, stack[idx:]...), d)
				return &CycleError{Cycle: cycle}
			case unvisited:
				if ce := dfs(d); ce != nil {
					return ce
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = done
		return nil
	}

	for _, name := range g.sortedNames() {
		if color[name] == unvisited {
			if ce := dfs(name); ce != nil {
				return ce
			}
		}
	}
	return nil
}

// computePlan runs Kahn's algorithm with a priority/name ordered ready set.
// Callable only after checkAcyclic succeeded.
func (g *Graph) computePlan() []string {
	remaining := make(map[string]int, len(g.specs))
	for name, s := range g.specs {
		remaining[name] = len(s.DependsOn)
	}
	plan := make([]string, 0, len(g.specs))
	for len(plan) < len(g.specs) {
		ready := make([]string, 0)
		for name, n := range remaining {
			if n == 0 {
				ready = append(ready, name)
			}
		}
		sort.Slice(ready, func(a, b int) bool {
			sa, sb := g.specs[ready[a]], g.specs[ready[b]]
			if sa.Priority != sb.Priority {
				return sa.Priority < sb.Priority
			}
			return sa.Name < sb.Name
		})
		next := ready[0]
		plan = append(plan, next)
		delete(remaining, next)
		for _, dep := range g.dependents[next] {
			if _, ok := remaining[dep]; ok {
				remaining[dep]--
			}
		}
	}
	return plan
}

// Plan returns the start order.
func (g *Graph) Plan() []string { return append([]string{}, g.plan...) }

// StopOrder returns the reverse of the start plan; dependents stop before
// their dependencies.
func (g *Graph) StopOrder() []string {
	out := make([]string, len(g.plan))
	for i, n := range g.plan {
		out[len(g.plan)-1-i] = n
	}
	return out
}

// Dependencies returns the declared dependencies of a service.
func (g *Graph) Dependencies(name string) []string {
	return append([]string{}, g.specs[name].DependsOn...)
}

// Dependents returns the direct and transitive dependents of a service.
func (g *Graph) Dependents(name string) []string {
	seen := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, d := range g.dependents[n] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) sortedNames() []string {
	names := make([]string, 0, len(g.specs))
	for n := range g.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedDeps(s service.Spec) []string {
	deps := append([]string{}, s.DependsOn...)
	sort.Strings(deps)
	return deps
}
