// Package model defines the data shapes shared by the store, DAG, task and
// pool packages: experiments, toolchains, packages, tasks and outcomes.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Package is an opaque, stable, serializable identifier for a source
// package revision.
type Package string

// Toolchain identifies a compiler build. Two toolchains are equal iff their
// string forms are equal.
type Toolchain string

// ParseToolchain validates and normalizes a toolchain identifier.
func ParseToolchain(s string) (Toolchain, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("parse toolchain: empty identifier")
	}
	return Toolchain(s), nil
}

func (t Toolchain) String() string { return string(t) }

// Mode is the experiment's build mode.
type Mode string

const (
	ModeBuildOnly        Mode = "build-only"
	ModeBuildAndTest     Mode = "build-and-test"
	ModeCheckOnly        Mode = "check-only"
	ModeUnstableFeatures Mode = "unstable-features"
)

// CapLints is the policy tag controlling compiler diagnostic suppression.
type CapLints string

const (
	CapLintsForbid CapLints = "forbid"
	CapLintsAllow  CapLints = "allow"
)

// Status is the experiment lifecycle status:
//
//	Queued -> Running -> NeedsReport -> GeneratingReport -> Completed
//	                                           \-> ReportFailed -> GeneratingReport
//
// Running -> Queued is also permitted (agent abandonment).
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusNeedsReport      Status = "needs-report"
	StatusGeneratingReport Status = "generating-report"
	StatusReportFailed     Status = "report-failed"
	StatusCompleted        Status = "completed"
)

// GitHubIssue is all-or-nothing: either every field is set, or none are.
type GitHubIssue struct {
	APIURL  string
	HTMLURL string
	Number  int
}

// ServerData holds the lifecycle attributes attached to an experiment.
type ServerData struct {
	Priority     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Status       Status
	AssignedTo   *string
	ReportURL    *string
	GitHubIssue  *GitHubIssue
}

// Experiment is a named run comprising a set of packages, two toolchains and
// a mode.
type Experiment struct {
	Name       string
	Mode       Mode
	CapLints   CapLints
	Toolchains [2]Toolchain
	Packages   []Package
	ServerData ServerData
}

// Validate enforces the experiment's one structural invariant: the two
// toolchains must differ.
func (e *Experiment) Validate() error {
	if e.Toolchains[0] == e.Toolchains[1] {
		return fmt.Errorf("validate experiment %q: start and end toolchains must differ, got %q twice", e.Name, e.Toolchains[0])
	}
	return nil
}

// PackageEntry is a per-experiment package row: the package plus whether
// it was skipped by config at ingestion time. The stored flag feeds the
// progress denominator only; whether a package actually runs is decided by
// the live config at graph-build time, so a later config change can
// un-skip a package.
type PackageEntry struct {
	Package Package `json:"package"`
	Skipped bool    `json:"skipped"`
}

// Outcome is the tagged result recorded per (experiment, package, toolchain).
type Outcome string

const (
	OutcomeBuildFail Outcome = "build-fail"
	OutcomeTestFail  Outcome = "test-fail"
	OutcomeTestPass  Outcome = "test-pass"
	OutcomeError     Outcome = "error"
)

// Result is one (experiment, package, toolchain) -> outcome record.
type Result struct {
	Experiment string
	Package    Package
	Toolchain  Toolchain
	Outcome    Outcome
	LogBlob    []byte
	RecordedAt time.Time
}

// StepKind tags the variant of a Task's step.
type StepKind string

const (
	StepPrepare          StepKind = "prepare"
	StepBuildOnly        StepKind = "build-only"
	StepBuildAndTest     StepKind = "build-and-test"
	StepCheckOnly        StepKind = "check-only"
	StepUnstableFeatures StepKind = "unstable-features"
)

// Step is the tagged variant carried by a Task.
type Step struct {
	Kind      StepKind
	Toolchain Toolchain // zero value for StepPrepare
	Quiet     bool      // only meaningful for BuildOnly/BuildAndTest/CheckOnly
}

// TaskSpec is the (package, step) pair a DAG task node wraps. It is plain
// data; the behavior (NeedsExec/Run/MarkAsFailed) lives on the task.Task
// interface in package task, which wraps a TaskSpec.
type TaskSpec struct {
	Package Package
	Step    Step
}

func (t TaskSpec) String() string {
	if t.Step.Kind == StepPrepare {
		return fmt.Sprintf("prepare(%s)", t.Package)
	}
	return fmt.Sprintf("%s(%s, %s)", t.Step.Kind, t.Package, t.Step.Toolchain)
}
