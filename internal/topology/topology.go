// Package topology holds the static role graph a case's task set is
// instantiated from: which worker roles exist, what each depends on, which
// are critical for discharge, and how long each may run.
package topology

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

// Role is one validated worker role declaration.
type Role struct {
	Name      string
	DependsOn []string
	Timeout   time.Duration
	Critical  bool
}

// Topology is the validated role graph. Immutable after construction, safe
// for concurrent reads.
type Topology struct {
	roles          []Role
	byName         map[string]Role
	order          map[string]int
	dependents     map[string][]string
	critical       []string
	defaultTimeout time.Duration
}

// New builds a Topology from configuration. Fails when the declaration set
// has duplicate roles, references an undeclared dependency, declares a self
// dependency, or contains a cycle.
func New(cfg config.TopologyConfig) (*Topology, error) {
	var errs []string

	if len(cfg.Roles) == 0 {
		errs = append(errs, "at least one role must be declared")
	}

	t := &Topology{
		roles:          make([]Role, 0, len(cfg.Roles)),
		byName:         make(map[string]Role, len(cfg.Roles)),
		order:          make(map[string]int, len(cfg.Roles)),
		dependents:     make(map[string][]string),
		defaultTimeout: cfg.DefaultTimeout,
	}
	if t.defaultTimeout <= 0 {
		t.defaultTimeout = 60 * time.Second
	}

	for i, rc := range cfg.Roles {
		if rc.Name == "" {
			errs = append(errs, fmt.Sprintf("roles[%d]: name is required", i))
			continue
		}
		if _, dup := t.byName[rc.Name]; dup {
			errs = append(errs, fmt.Sprintf("roles[%d]: duplicate role %q", i, rc.Name))
			continue
		}
		role := Role{
			Name:      rc.Name,
			DependsOn: append([]string(nil), rc.DependsOn...),
			Timeout:   rc.Timeout,
			Critical:  rc.Critical,
		}
		t.byName[rc.Name] = role
		t.order[rc.Name] = i
		t.roles = append(t.roles, role)
		if rc.Critical {
			t.critical = append(t.critical, rc.Name)
		}
	}

	// Referential checks need the full name set first.
	for _, role := range t.roles {
		for _, dep := range role.DependsOn {
			if dep == role.Name {
				errs = append(errs, fmt.Sprintf("role %q depends on itself", role.Name))
				continue
			}
			if _, ok := t.byName[dep]; !ok {
				errs = append(errs, fmt.Sprintf("role %q depends on undeclared role %q", role.Name, dep))
				continue
			}
			t.dependents[dep] = append(t.dependents[dep], role.Name)
		}
	}

	if len(errs) == 0 {
		if cycle := findCycle(t); cycle != "" {
			errs = append(errs, fmt.Sprintf("dependency cycle: %s", cycle))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("topology: %s", strings.Join(errs, "; "))
	}

	for dep := range t.dependents {
		t.SortByDeclaration(t.dependents[dep])
	}

	return t, nil
}

// findCycle runs a depth-first search with three-color marking and returns
// a printable cycle path, or "" when the graph is acyclic.
func findCycle(t *Topology) string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(t.roles))
	var stack []string

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = grey
		stack = append(stack, name)
		for _, dep := range t.byName[name].DependsOn {
			switch color[dep] {
			case grey:
				// Found the back edge; cut the stack at the cycle entry.
				for i, n := range stack {
					if n == dep {
						return strings.Join(append(stack[i:], dep), " -> ")
					}
				}
			case white:
				if cycle := visit(dep); cycle != "" {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return ""
	}

	for _, role := range t.roles {
		if color[role.Name] == white {
			if cycle := visit(role.Name); cycle != "" {
				return cycle
			}
		}
	}
	return ""
}

// Roles returns all roles in declaration order.
func (t *Topology) Roles() []Role {
	return t.roles
}

// Role returns the named role declaration.
func (t *Topology) Role(name string) (Role, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// Has reports whether the role is declared.
func (t *Topology) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// InitialStatus returns the status a role's task starts in when a case is
// created: eligible when the role has no dependencies, blocked otherwise.
func (t *Topology) InitialStatus(name string) string {
	if len(t.byName[name].DependsOn) == 0 {
		return model.TaskStatusEligible
	}
	return model.TaskStatusBlocked
}

// DependentsOf returns the roles that directly depend on the given role, in
// declaration order.
func (t *Topology) DependentsOf(name string) []string {
	return t.dependents[name]
}

// Critical returns the critical role names in declaration order.
func (t *Topology) Critical() []string {
	return t.critical
}

// Timeout returns the dispatch deadline duration for a role, falling back
// to the topology default.
func (t *Topology) Timeout(name string) time.Duration {
	if r, ok := t.byName[name]; ok && r.Timeout > 0 {
		return r.Timeout
	}
	return t.defaultTimeout
}

// SortByDeclaration sorts role names in place by their declaration order.
// Undeclared names sort last.
func (t *Topology) SortByDeclaration(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		oi, ok := t.order[names[i]]
		if !ok {
			oi = len(t.order)
		}
		oj, ok := t.order[names[j]]
		if !ok {
			oj = len(t.order)
		}
		return oi < oj
	})
}
