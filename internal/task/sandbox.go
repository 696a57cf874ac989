package task

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/craterd/internal/model"
)

// sandboxExecutor is the stand-in for the real sandbox: installing a
// toolchain, unpacking a package source tree, and invoking the build tool
// inside an isolated environment. It deliberately returns a
// not-implemented error rather than silently no-oping, so a deployment
// without a wired sandbox records Error outcomes instead of fake passes.
type sandboxExecutor struct {
	tracer trace.Tracer
}

// NewSandboxExecutor returns the default StepExecutor.
func NewSandboxExecutor() StepExecutor {
	return &sandboxExecutor{tracer: otel.Tracer("craterd-task")}
}

func (s *sandboxExecutor) Execute(ctx context.Context, experiment string, spec model.TaskSpec) ([]byte, error) {
	_, span := s.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.String("experiment", experiment),
		attribute.String("package", string(spec.Package)),
		attribute.String("step", string(spec.Step.Kind)),
	))
	defer span.End()

	// TODO: wire an actual sandbox here:
	//  - install spec.Step.Toolchain into the per-toolchain cache directory
	//  - unpack spec.Package's source into a disjoint per-(experiment,
	//    toolchain, package) working directory so simultaneous tasks never
	//    touch the same file
	//  - invoke the build tool and capture stdout/stderr as the log blob
	return nil, fmt.Errorf("sandbox executor: %s not implemented, contract only", spec)
}
