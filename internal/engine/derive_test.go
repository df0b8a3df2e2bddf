package engine_test

import (
	"reflect"
	"testing"

	"buildline/internal/domain"
	"buildline/internal/engine"
)

func component(name string, deps ...string) domain.Component {
	return domain.Component{ProjectID: "proj-1", Name: name, DependsOn: deps}
}

func phaseComponents(p domain.Phase) []string {
	var names []string
	for _, t := range p.Tasks {
		names = append(names, t.Component)
	}
	return names
}

func TestDerivePhasesDiamond(t *testing.T) {
	res := engine.DerivePhases([]domain.Component{
		component("api", "auth", "store"),
		component("auth", "core"),
		component("store", "core"),
		component("core"),
	}, engine.DeriveOptions{CheckpointEveryPhase: true})

	if len(res.Cycles) != 0 {
		t.Fatalf("unexpected cycles: %v", res.Cycles)
	}
	if len(res.Phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(res.Phases))
	}
	want := [][]string{{"core"}, {"auth", "store"}, {"api"}}
	for i, names := range want {
		if got := phaseComponents(res.Phases[i]); !reflect.DeepEqual(got, names) {
			t.Fatalf("phase %d: expected %v, got %v", i, names, got)
		}
	}

	// Positional ids are stable across derivations.
	if res.Phases[0].ID != "phase-0" || res.Phases[0].Tasks[0].ID != "task-0-0" {
		t.Fatalf("unexpected ids: %s %s", res.Phases[0].ID, res.Phases[0].Tasks[0].ID)
	}

	// api depends on auth and store by task id, not on core.
	api := res.Phases[2].Tasks[0]
	if !reflect.DeepEqual(api.DependsOn, []string{"task-1-0", "task-1-1"}) {
		t.Fatalf("api deps: %v", api.DependsOn)
	}
	for _, p := range res.Phases {
		if !p.Checkpoint {
			t.Fatalf("expected checkpoint on phase %s", p.ID)
		}
		if p.Status != "pending" {
			t.Fatalf("phase %s status %s", p.ID, p.Status)
		}
	}
}

func TestDerivePhasesTaskNaming(t *testing.T) {
	res := engine.DerivePhases([]domain.Component{component("core")}, engine.DeriveOptions{})
	if got := res.Phases[0].Tasks[0].Name; got != "Build core" {
		t.Fatalf("default prefix: got %q", got)
	}
	res = engine.DerivePhases([]domain.Component{component("core")}, engine.DeriveOptions{TaskPrefix: "Assemble"})
	if got := res.Phases[0].Tasks[0].Name; got != "Assemble core" {
		t.Fatalf("custom prefix: got %q", got)
	}
}

func TestDerivePhasesUnknownDependencyDropped(t *testing.T) {
	res := engine.DerivePhases([]domain.Component{
		component("web", "ghost"),
	}, engine.DeriveOptions{})
	if len(res.Phases) != 1 || len(res.Cycles) != 0 {
		t.Fatalf("expected single phase without cycles, got %d phases cycles=%v", len(res.Phases), res.Cycles)
	}
	if deps := res.Phases[0].Tasks[0].DependsOn; len(deps) != 0 {
		t.Fatalf("expected no deps, got %v", deps)
	}
}

func TestDerivePhasesCycleForcePlaced(t *testing.T) {
	res := engine.DerivePhases([]domain.Component{
		component("a", "b"),
		component("b", "a"),
		component("c"),
	}, engine.DeriveOptions{})

	if len(res.Cycles) == 0 {
		t.Fatalf("expected cycle report")
	}
	if res.Cycles[0] != "a" {
		t.Fatalf("expected first unplaced component reported, got %v", res.Cycles)
	}
	placed := 0
	for _, p := range res.Phases {
		placed += len(p.Tasks)
	}
	if placed != 3 {
		t.Fatalf("every component must be placed, got %d", placed)
	}
}
