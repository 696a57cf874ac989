package dag

import (
	"github.com/swarmguard/craterd/internal/model"
	"github.com/swarmguard/craterd/internal/task"
)

// Config is the subset of internal/config.Filter the builder consults,
// kept as an interface so dag doesn't import config.
type Config interface {
	ShouldSkip(pkg model.Package) bool
	ShouldSkipTests(pkg model.Package) bool
	IsQuiet(pkg model.Package) bool
}

// Executor is the StepExecutor each task node runs against.
// Exposed as a parameter (rather than hardcoding task.NewSandboxExecutor)
// so tests can inject a fake executor.
type Executor = task.StepExecutor

// Build constructs the task graph for experiment under config: for each
// non-skipped package, a Prepare node, one step node per toolchain
// (variant chosen from mode and the skip-tests filter), and a
// CrateCompleted node gating all of that package's step nodes, itself
// gated behind Root. Build is pure: the same experiment and config always
// yield an isomorphic graph.
func Build(experiment *model.Experiment, config Config, executor Executor) *Graph {
	g := newGraph()

	for _, pkg := range experiment.Packages {
		if config.ShouldSkip(pkg) {
			continue
		}

		prepareTask := task.NewPrepareTask(pkg, executor)
		prepareID := g.addNodeLocked(&node{kind: nodePrepare, pkg: pkg, task: prepareTask})

		quiet := config.IsQuiet(pkg)
		var stepTasks []task.Task
		var buildIDs []NodeID
		for _, tc := range experiment.Toolchains {
			step := stepFor(experiment.Mode, tc, quiet, config.ShouldSkipTests(pkg))
			t := task.NewStepTask(pkg, step, executor)
			id := g.addNodeLocked(&node{kind: nodeTask, pkg: pkg, task: t})
			g.addEdgeLocked(id, prepareID)

			stepTasks = append(stepTasks, t)
			buildIDs = append(buildIDs, id)
		}
		prepareTask.SetDownstream(stepTasks)

		crateID := g.addNodeLocked(&node{kind: nodeCrateCompleted, pkg: pkg})
		for _, id := range buildIDs {
			g.addEdgeLocked(crateID, id)
		}
		g.addEdgeLocked(g.root, crateID)
	}

	return g
}

// stepFor picks the step variant from the mode and the per-package flags.
func stepFor(mode model.Mode, tc model.Toolchain, quiet, skipTests bool) model.Step {
	switch mode {
	case model.ModeBuildOnly:
		return model.Step{Kind: model.StepBuildOnly, Toolchain: tc, Quiet: quiet}
	case model.ModeBuildAndTest:
		if skipTests {
			return model.Step{Kind: model.StepBuildOnly, Toolchain: tc, Quiet: quiet}
		}
		return model.Step{Kind: model.StepBuildAndTest, Toolchain: tc, Quiet: quiet}
	case model.ModeCheckOnly:
		return model.Step{Kind: model.StepCheckOnly, Toolchain: tc, Quiet: quiet}
	case model.ModeUnstableFeatures:
		return model.Step{Kind: model.StepUnstableFeatures, Toolchain: tc}
	default:
		// Experiment.Validate only guards toolchain equality; an unknown
		// mode can only come from a programming error upstream.
		panic("dag: unknown experiment mode " + string(mode))
	}
}
