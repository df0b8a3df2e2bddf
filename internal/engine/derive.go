package engine

import (
	"fmt"

	"buildline/internal/domain"
)

// DeriveOptions controls phase derivation.
type DeriveOptions struct {
	TaskPrefix           string
	CheckpointEveryPhase bool
}

// DeriveResult carries the derived phases plus any components that had to be
// force-placed because their dependencies never resolved (a dependency cycle
// or inconsistent data). Force-placement guarantees termination; Cycles makes
// the condition visible to the caller instead of silently reordering.
type DeriveResult struct {
	Phases []domain.Phase
	Cycles []string
}

// DerivePhases partitions components into ordered layers such that every
// known dependency of a component lands in a strictly earlier phase.
// Dependencies naming unknown components are dropped. Each layer becomes one
// phase; each component becomes one task with deterministic positional ids
// (phase-<i>, task-<i>-<j>) so re-reading a persisted plan reproduces stable
// references.
func DerivePhases(components []domain.Component, opts DeriveOptions) DeriveResult {
	if opts.TaskPrefix == "" {
		opts.TaskPrefix = "Build"
	}
	known := make(map[string]bool, len(components))
	for _, c := range components {
		known[c.Name] = true
	}

	// placed maps component name -> phase index.
	placed := make(map[string]int, len(components))
	var layers [][]domain.Component
	var cycles []string

	for len(placed) < len(components) {
		layer := len(layers)
		var eligible []domain.Component
		for _, c := range components {
			if _, done := placed[c.Name]; done {
				continue
			}
			ready := true
			for _, dep := range c.DependsOn {
				if !known[dep] {
					continue // unknown dependency, edge dropped
				}
				at, ok := placed[dep]
				if !ok || at >= layer {
					ready = false
					break
				}
			}
			if ready {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) == 0 {
			// No component is placeable: a cycle. Force-place the first
			// unplaced component so derivation terminates, and report it.
			for _, c := range components {
				if _, done := placed[c.Name]; !done {
					eligible = []domain.Component{c}
					cycles = append(cycles, c.Name)
					break
				}
			}
		}
		for _, c := range eligible {
			placed[c.Name] = layer
		}
		layers = append(layers, eligible)
	}

	// Task ids are assigned positionally, so build a name -> id index before
	// resolving dependency edges across layers.
	taskID := make(map[string]string, len(components))
	for pi, layer := range layers {
		for ti, c := range layer {
			taskID[c.Name] = fmt.Sprintf("task-%d-%d", pi, ti)
		}
	}

	phases := make([]domain.Phase, 0, len(layers))
	for pi, layer := range layers {
		phase := domain.Phase{
			ID:          fmt.Sprintf("phase-%d", pi),
			Name:        fmt.Sprintf("Phase %d", pi+1),
			Description: fmt.Sprintf("Build layer %d of the component graph", pi+1),
			Status:      "pending",
			Checkpoint:  opts.CheckpointEveryPhase,
		}
		for ti, c := range layer {
			task := domain.Task{
				ID:          fmt.Sprintf("task-%d-%d", pi, ti),
				Name:        fmt.Sprintf("%s %s", opts.TaskPrefix, c.Name),
				Description: c.Description,
				Status:      "pending",
				Component:   c.Name,
				Files:       c.Files,
			}
			for _, dep := range c.DependsOn {
				if !known[dep] {
					continue
				}
				if placed[dep] < pi {
					task.DependsOn = append(task.DependsOn, taskID[dep])
				}
			}
			phase.Tasks = append(phase.Tasks, task)
		}
		phases = append(phases, phase)
	}
	return DeriveResult{Phases: phases, Cycles: cycles}
}
