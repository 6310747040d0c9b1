package workflow

import (
	"errors"
	"strings"
	"testing"

	"github.com/songzhibin97/production-workflow/rules"
	"github.com/songzhibin97/production-workflow/types"
)

func frozenDefaultTable(t *testing.T) *Table {
	t.Helper()
	table := DefaultTable()
	if err := table.Freeze(rules.DefaultLibrary(nil)); err != nil {
		t.Fatalf("expected default table to freeze, got %v", err)
	}
	return table
}

func TestDefaultTableFreezes(t *testing.T) {
	table := frozenDefaultTable(t)
	if !table.Frozen() {
		t.Fatal("expected table to be frozen")
	}
	if got := len(table.Types()); got != len(types.EntityTypes) {
		t.Errorf("expected %d machines, got %d", len(types.EntityTypes), got)
	}

	// Freezing twice is a no-op.
	if err := table.Freeze(nil); err != nil {
		t.Errorf("expected second freeze to succeed, got %v", err)
	}
}

func TestRuleFor(t *testing.T) {
	table := frozenDefaultTable(t)

	r, err := table.RuleFor(types.EntityEpisode, EpisodePostProduction, EpisodeReadyToAir)
	if err != nil {
		t.Fatalf("expected rule, got %v", err)
	}
	if r.Name != TransitionQCApproved || r.EntityType != types.EntityEpisode {
		t.Errorf("unexpected rule %+v", r)
	}
	if !r.Allows(types.RoleQualityControl) || r.Allows(types.RoleEditor) {
		t.Errorf("unexpected roles %v", r.AllowedRoles)
	}

	_, err = table.RuleFor(types.EntityEpisode, EpisodePlanning, EpisodeAired)
	if !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}

	_, err = table.RuleFor("unknown", EpisodePlanning, EpisodeAired)
	if !errors.Is(err, ErrUnknownEntityType) {
		t.Errorf("expected ErrUnknownEntityType, got %v", err)
	}
}

func TestRulesForReturnsCopy(t *testing.T) {
	table := frozenDefaultTable(t)
	rs := table.RulesFor(types.EntityEpisode)
	if len(rs) == 0 {
		t.Fatal("expected episode rules")
	}
	rs[0].To = "tampered"
	if table.RulesFor(types.EntityEpisode)[0].To == "tampered" {
		t.Error("expected RulesFor to return a copy")
	}
}

func TestUniqueEdgesAndTargets(t *testing.T) {
	table := frozenDefaultTable(t)
	for _, et := range table.Types() {
		seen := map[[2]types.State]bool{}
		targets := map[string]types.State{}
		for _, r := range table.RulesFor(et) {
			key := [2]types.State{r.From, r.To}
			if seen[key] {
				t.Errorf("%s: duplicate edge %s->%s", et, r.From, r.To)
			}
			seen[key] = true
			if prev, ok := targets[r.Name]; ok && prev != r.To {
				t.Errorf("%s.%s: two targets", et, r.Name)
			}
			targets[r.Name] = r.To
			if table.IsTerminal(et, r.From) {
				t.Errorf("%s.%s: leaves terminal state %s", et, r.Name, r.From)
			}
		}
	}
}

func TestTargetOf(t *testing.T) {
	table := frozenDefaultTable(t)
	tests := []struct {
		entity     types.EntityType
		transition string
		want       types.State
	}{
		{types.EntityEpisode, TransitionQCRevisionNeeded, EpisodeInProduction},
		{types.EntityEpisode, TransitionCancel, StateCancelled},
		{types.EntityProgram, "archive", ProgramArchived},
		{types.EntityMusicSubmission, "request_arrangement_revision", MusicArranging},
	}
	for _, tt := range tests {
		got, err := table.TargetOf(tt.entity, tt.transition)
		if err != nil {
			t.Fatalf("%s.%s: unexpected error %v", tt.entity, tt.transition, err)
		}
		if got != tt.want {
			t.Errorf("%s.%s: expected %s, got %s", tt.entity, tt.transition, tt.want, got)
		}
	}

	if _, err := table.TargetOf(types.EntityEpisode, "teleport"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestAvailable(t *testing.T) {
	table := frozenDefaultTable(t)

	got := table.Available(types.EntityEpisode, EpisodeScriptReview, types.RoleProducer)
	names := make([]string, 0, len(got))
	for _, r := range got {
		names = append(names, r.Name)
	}
	want := []string{TransitionApproveRundown, TransitionRejectRundown, TransitionCancel}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, names)
	}

	if got := table.Available(types.EntityEpisode, EpisodeScriptReview, types.RoleEditor); len(got) != 0 {
		t.Errorf("expected no transitions for Editor, got %v", got)
	}
	if got := table.Available(types.EntityEpisode, EpisodeAired, types.RoleProducer); len(got) != 0 {
		t.Errorf("expected terminal state to have no exits, got %v", got)
	}
}

func TestGrant(t *testing.T) {
	table := DefaultTable()
	if err := table.Grant(types.EntityEpisode, TransitionCompleteShooting, types.RoleProducer); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	if err := table.Grant(types.EntityEpisode, "teleport", types.RoleProducer); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
	if err := table.Grant("unknown", TransitionCancel, types.RoleProducer); !errors.Is(err, ErrUnknownEntityType) {
		t.Errorf("expected ErrUnknownEntityType, got %v", err)
	}
	if err := table.Freeze(rules.DefaultLibrary(nil)); err != nil {
		t.Fatalf("unexpected freeze error: %v", err)
	}

	r, err := table.RuleFor(types.EntityEpisode, EpisodeRundownApproved, EpisodePostProduction)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Allows(types.RoleProducer) || !r.Allows(types.RoleProduksi) {
		t.Errorf("expected granted role to be added, got %v", r.AllowedRoles)
	}

	if err := table.Grant(types.EntityEpisode, TransitionCancel, types.RoleEditor); !errors.Is(err, ErrTableFrozen) {
		t.Errorf("expected ErrTableFrozen, got %v", err)
	}
	if err := table.Define(EpisodeMachine()); !errors.Is(err, ErrTableFrozen) {
		t.Errorf("expected ErrTableFrozen, got %v", err)
	}
}

func TestFreezeRejectsInvalidMachines(t *testing.T) {
	base := func() Machine {
		return Machine{
			Type:     types.EntitySchedule,
			States:   []types.State{"a", "b", "c"},
			Initial:  "a",
			Terminal: []types.State{"c"},
			Path:     []types.State{"a", "b", "c"},
			Rules: []types.TransitionRule{
				{Name: "ab", From: "a", To: "b", AllowedRoles: []types.Role{types.RoleProducer}},
				{Name: "bc", From: "b", To: "c", AllowedRoles: []types.Role{types.RoleProducer}},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(m *Machine)
		wantErr string
	}{
		{"valid", func(m *Machine) {}, ""},
		{"duplicate edge", func(m *Machine) {
			m.Rules = append(m.Rules, types.TransitionRule{Name: "ab2", From: "a", To: "b", AllowedRoles: []types.Role{types.RoleEditor}})
		}, "ambiguous"},
		{"name with two targets", func(m *Machine) {
			m.Rules = append(m.Rules, types.TransitionRule{Name: "ab", From: "b", To: "a", AllowedRoles: []types.Role{types.RoleEditor}})
		}, "targets both"},
		{"terminal exit without reopen", func(m *Machine) {
			m.Rules = append(m.Rules, types.TransitionRule{Name: "ca", From: "c", To: "a", AllowedRoles: []types.Role{types.RoleEditor}})
		}, "without reopen"},
		{"terminal exit with reopen", func(m *Machine) {
			m.Rules = append(m.Rules, types.TransitionRule{Name: "ca", From: "c", To: "a", Reopen: true, AllowedRoles: []types.Role{types.RoleEditor}})
		}, ""},
		{"undeclared state", func(m *Machine) {
			m.Rules = append(m.Rules, types.TransitionRule{Name: "ax", From: "a", To: "x", AllowedRoles: []types.Role{types.RoleEditor}})
		}, "undeclared"},
		{"unknown guard", func(m *Machine) { m.Rules[0].Guard = "no_such_guard" }, "guard not found"},
		{"no roles", func(m *Machine) { m.Rules[0].AllowedRoles = nil }, "no allowed roles"},
		{"self transition", func(m *Machine) {
			m.Rules = append(m.Rules, types.TransitionRule{Name: "aa", From: "a", To: "a", AllowedRoles: []types.Role{types.RoleEditor}})
		}, "self transition"},
		{"bad initial", func(m *Machine) { m.Initial = "z" }, "initial state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(&m)
			table := NewTable()
			if err := table.Define(m); err != nil {
				t.Fatalf("unexpected define error: %v", err)
			}
			err := table.Freeze(rules.DefaultLibrary(nil))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if table.Frozen() {
				t.Error("expected table to stay unfrozen after a failed freeze")
			}
		})
	}
}

func TestDefineRejectsUnknownType(t *testing.T) {
	table := NewTable()
	err := table.Define(Machine{Type: "podcast"})
	if !errors.Is(err, ErrUnknownEntityType) {
		t.Errorf("expected ErrUnknownEntityType, got %v", err)
	}
}

func TestStateLabel(t *testing.T) {
	if got := EpisodeReadyToAir.Label(); got != "Ready To Air" {
		t.Errorf("expected 'Ready To Air', got %q", got)
	}
}
