package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/production-workflow/rules"
	"github.com/songzhibin97/production-workflow/types"
)

// Stage pairs a main-line state with the timestamp stamped when it is entered.
type Stage struct {
	State     types.State `json:"state"`
	Timestamp string      `json:"timestamp"`
}

// Machine declares the state machine of one entity type.
type Machine struct {
	Type     types.EntityType
	States   []types.State
	Initial  types.State
	Terminal []types.State
	// Path is the main line used for progress, initial state first.
	Path   []types.State
	Stages []Stage
	Rules  []types.TransitionRule
}

type edge struct {
	from, to types.State
}

type machine struct {
	Machine
	states   map[types.State]bool
	terminal map[types.State]bool
	edges    map[edge]int
	targets  map[string]types.State
}

// Table is the declarative rule table of every entity type. It is built with
// Define and Grant, then frozen; a frozen table is read-only.
type Table struct {
	mu       sync.RWMutex
	machines map[types.EntityType]*machine
	frozen   bool
}

// NewTable creates an empty, unfrozen table.
func NewTable() *Table {
	return &Table{machines: make(map[types.EntityType]*machine)}
}

// Define registers the machine of an entity type, replacing any earlier definition.
func (t *Table) Define(m Machine) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return ErrTableFrozen
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, m.Type)
	}
	built := &machine{
		Machine:  m,
		states:   make(map[types.State]bool, len(m.States)),
		terminal: make(map[types.State]bool, len(m.Terminal)),
	}
	built.Rules = append([]types.TransitionRule(nil), m.Rules...)
	for i := range built.Rules {
		built.Rules[i].EntityType = m.Type
		built.Rules[i].AllowedRoles = append([]types.Role(nil), built.Rules[i].AllowedRoles...)
	}
	for _, s := range m.States {
		built.states[s] = true
	}
	for _, s := range m.Terminal {
		built.terminal[s] = true
	}
	t.machines[m.Type] = built
	return nil
}

// Grant adds roles to every rule named transition of entityType.
func (t *Table) Grant(entityType types.EntityType, transition string, roles ...types.Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return ErrTableFrozen
	}
	m, ok := t.machines[entityType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	found := false
	for i := range m.Rules {
		if m.Rules[i].Name != transition {
			continue
		}
		found = true
		for _, role := range roles {
			if !m.Rules[i].Allows(role) {
				m.Rules[i].AllowedRoles = append(m.Rules[i].AllowedRoles, role)
			}
		}
	}
	if !found {
		return fmt.Errorf("%w: %s.%s", ErrRuleNotFound, entityType, transition)
	}
	return nil
}

// Freeze validates every machine against the guard library and makes the table read-only.
// Freezing an already frozen table is a no-op.
func (t *Table) Freeze(guards *rules.Library) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return nil
	}
	for _, m := range t.machines {
		if err := m.index(guards); err != nil {
			return err
		}
	}
	t.frozen = true
	return nil
}

// Frozen reports whether Freeze succeeded.
func (t *Table) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

func (m *machine) index(guards *rules.Library) error {
	if !m.states[m.Initial] {
		return fmt.Errorf("%s: initial state %q not declared", m.Type, m.Initial)
	}
	for _, s := range append(append([]types.State(nil), m.Terminal...), m.Path...) {
		if !m.states[s] {
			return fmt.Errorf("%s: state %q not declared", m.Type, s)
		}
	}
	for _, st := range m.Stages {
		if !m.states[st.State] {
			return fmt.Errorf("%s: stage state %q not declared", m.Type, st.State)
		}
	}

	m.edges = make(map[edge]int, len(m.Rules))
	m.targets = make(map[string]types.State)
	for i, r := range m.Rules {
		if r.Name == "" {
			return fmt.Errorf("%s: rule %s->%s has no name", m.Type, r.From, r.To)
		}
		if !m.states[r.From] || !m.states[r.To] {
			return fmt.Errorf("%s.%s: undeclared state in %s->%s", m.Type, r.Name, r.From, r.To)
		}
		if r.From == r.To {
			return fmt.Errorf("%s.%s: self transition on %q", m.Type, r.Name, r.From)
		}
		e := edge{r.From, r.To}
		if _, dup := m.edges[e]; dup {
			return fmt.Errorf("%s: ambiguous rules for %s->%s", m.Type, r.From, r.To)
		}
		m.edges[e] = i
		if prev, ok := m.targets[r.Name]; ok && prev != r.To {
			return fmt.Errorf("%s.%s: transition targets both %q and %q", m.Type, r.Name, prev, r.To)
		}
		m.targets[r.Name] = r.To
		if m.terminal[r.From] && !r.Reopen {
			return fmt.Errorf("%s.%s: leaves terminal state %q without reopen flag", m.Type, r.Name, r.From)
		}
		if len(r.AllowedRoles) == 0 {
			return fmt.Errorf("%s.%s: no allowed roles", m.Type, r.Name)
		}
		if r.Guard != "" && (guards == nil || !guards.Has(r.Guard)) {
			return fmt.Errorf("%s.%s: %w: %s", m.Type, r.Name, rules.ErrGuardNotFound, r.Guard)
		}
	}
	return nil
}

func (t *Table) machine(entityType types.EntityType) (*machine, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.machines[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return m, nil
}

// Types lists the entity types with a declared machine.
func (t *Table) Types() []types.EntityType {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.EntityType, 0, len(t.machines))
	for et := range t.machines {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RulesFor returns a copy of the rules declared for entityType.
func (t *Table) RulesFor(entityType types.EntityType) []types.TransitionRule {
	m, err := t.machine(entityType)
	if err != nil {
		return nil
	}
	return append([]types.TransitionRule(nil), m.Rules...)
}

// RuleFor returns the rule for (from, to), or ErrRuleNotFound.
func (t *Table) RuleFor(entityType types.EntityType, from, to types.State) (types.TransitionRule, error) {
	m, err := t.machine(entityType)
	if err != nil {
		return types.TransitionRule{}, err
	}
	if m.edges != nil {
		if i, ok := m.edges[edge{from, to}]; ok {
			return m.Rules[i], nil
		}
		return types.TransitionRule{}, fmt.Errorf("%w: %s %s->%s", ErrRuleNotFound, entityType, from, to)
	}
	for _, r := range m.Rules {
		if r.From == from && r.To == to {
			return r, nil
		}
	}
	return types.TransitionRule{}, fmt.Errorf("%w: %s %s->%s", ErrRuleNotFound, entityType, from, to)
}

// TargetOf resolves the target state of a transition name.
func (t *Table) TargetOf(entityType types.EntityType, transition string) (types.State, error) {
	m, err := t.machine(entityType)
	if err != nil {
		return "", err
	}
	for _, r := range m.Rules {
		if r.Name == transition {
			return r.To, nil
		}
	}
	return "", fmt.Errorf("%w: %s.%s", ErrRuleNotFound, entityType, transition)
}

// Available returns the rules leaving state that role may perform.
func (t *Table) Available(entityType types.EntityType, state types.State, role types.Role) []types.TransitionRule {
	m, err := t.machine(entityType)
	if err != nil {
		return nil
	}
	var out []types.TransitionRule
	for _, r := range m.Rules {
		if r.From == state && r.Allows(role) {
			out = append(out, r)
		}
	}
	return out
}

// States returns the declared states of entityType.
func (t *Table) States(entityType types.EntityType) []types.State {
	m, err := t.machine(entityType)
	if err != nil {
		return nil
	}
	return append([]types.State(nil), m.States...)
}

// Initial returns the state new entities start in.
func (t *Table) Initial(entityType types.EntityType) (types.State, error) {
	m, err := t.machine(entityType)
	if err != nil {
		return "", err
	}
	return m.Initial, nil
}

// IsTerminal reports whether state is terminal for entityType.
func (t *Table) IsTerminal(entityType types.EntityType, state types.State) bool {
	m, err := t.machine(entityType)
	if err != nil {
		return false
	}
	return m.terminal[state]
}

// Path returns the main line of entityType, initial state first.
func (t *Table) Path(entityType types.EntityType) []types.State {
	m, err := t.machine(entityType)
	if err != nil {
		return nil
	}
	return append([]types.State(nil), m.Path...)
}

// Stages returns the stage timestamps of entityType in pipeline order.
func (t *Table) Stages(entityType types.EntityType) []Stage {
	m, err := t.machine(entityType)
	if err != nil {
		return nil
	}
	return append([]Stage(nil), m.Stages...)
}
