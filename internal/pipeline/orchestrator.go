package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"ggmlforge/internal/keylock"
	"ggmlforge/internal/logging"
	"ggmlforge/internal/notifications"
	"ggmlforge/internal/registry"
	"ggmlforge/internal/services"
	"ggmlforge/internal/stage"
	"ggmlforge/internal/telemetry"
)

// Dependencies bundles the collaborators of an Orchestrator.
type Dependencies struct {
	Registry  *registry.Registry
	Toolchain ToolchainStage
	Fetcher   FetchStage
	Converter ConvertStage
	Reducer   ReduceStage
	Locks     *keylock.Locker
	Notifier  notifications.Service
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// Orchestrator runs conversion requests.
type Orchestrator struct {
	registry  *registry.Registry
	toolchain ToolchainStage
	fetcher   FetchStage
	converter ConvertStage
	reducer   ReduceStage
	locks     *keylock.Locker
	notifier  notifications.Service
	logger    *slog.Logger
	tracer    trace.Tracer
	group     singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the state shared by the callers of one execution. The execution
// runs on ctx, which is detached from every caller and canceled only after
// the last waiter has left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
	reached atomic.Value
}

func (f *flight) enter(name stage.Name) {
	f.reached.Store(name)
}

// stage returns the stage the execution has reached.
func (f *flight) stage() stage.Name {
	if name, ok := f.reached.Load().(stage.Name); ok {
		return name
	}
	return stage.Toolchain
}

// New constructs an orchestrator. Registry, stages and Locks are required.
func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Toolchain == nil || deps.Fetcher == nil || deps.Converter == nil || deps.Reducer == nil || deps.Locks == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "construct", "registry, stages, and locks are required", nil)
	}
	o := &Orchestrator{
		registry:  deps.Registry,
		toolchain: deps.Toolchain,
		fetcher:   deps.Fetcher,
		converter: deps.Converter,
		reducer:   deps.Reducer,
		locks:     deps.Locks,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
		flights:   make(map[string]*flight),
	}
	if o.notifier == nil {
		o.notifier = notifications.NewNoop()
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	o.logger = logging.NewComponentLogger(o.logger, "pipeline")
	if o.tracer == nil {
		o.tracer = telemetry.Tracer()
	}
	return o, nil
}

// Registry exposes the registries requests are validated against.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Resolve validates raw names and returns a request with canonical spellings.
func (o *Orchestrator) Resolve(source, profile string) (Request, error) {
	canonicalSource, _, ok := o.registry.Artifacts.Resolve(source)
	if !ok {
		return Request{}, stage.Fatal(stage.Fetch, stage.CodeUnknownArtifact,
			fmt.Sprintf("unknown source %q", source),
			services.Wrap(services.ErrValidation, "pipeline", "validate request", "unknown source", nil))
	}
	canonicalProfile, _, ok := o.registry.Profiles.Resolve(profile)
	if !ok {
		return Request{}, stage.Fatal(stage.Reduce, stage.CodeUnknownProfile,
			fmt.Sprintf("unknown profile %q", profile),
			services.Wrap(services.ErrValidation, "pipeline", "validate request", "unknown profile", nil))
	}
	return Request{Source: canonicalSource, Profile: canonicalProfile}, nil
}

// Run executes the pipeline for req. Identical concurrent requests share
// one execution; the returned Outcome reports whether it was shared.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	resolved, err := o.Resolve(string(req.Source), string(req.Profile))
	if err != nil {
		outcome := Outcome{Request: req, States: []State{StateInit, StateFailed}}
		o.reportFailure(ctx, outcome, err)
		return outcome, err
	}

	// A shared execution canceled by its last waiter may still hand its
	// result to a caller that joined just before it finished; that caller
	// runs the request again on its own behalf.
	outcome, err := o.await(ctx, resolved)
	if failure, ok := stage.AsFailure(err); ok && failure.Code == stage.CodeCanceled && ctx.Err() == nil {
		outcome, err = o.await(ctx, resolved)
	}
	return outcome, err
}

func (o *Orchestrator) await(ctx context.Context, req Request) (Outcome, error) {
	key := req.key()
	f := o.join(ctx, key)
	defer o.leave(key, f)

	ch := o.group.DoChan(key, func() (any, error) {
		outcome, err := o.execute(f.ctx, req, f)
		return outcome, err
	})
	select {
	case <-ctx.Done():
		return Outcome{Request: req, States: []State{StateInit, StateFailed}}, stage.Canceled(f.stage(), ctx.Err())
	case res := <-ch:
		outcome := res.Val.(Outcome)
		outcome.Shared = res.Shared
		outcome.Stages = slices.Clone(outcome.Stages)
		outcome.States = slices.Clone(outcome.States)
		return outcome, res.Err
	}
}

func (o *Orchestrator) join(ctx context.Context, key string) *flight {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.flights[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: runCtx, cancel: cancel}
		o.flights[key] = f
	}
	f.waiters++
	return f
}

func (o *Orchestrator) leave(key string, f *flight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if o.flights[key] == f {
		delete(o.flights, key)
	}
}

func (o *Orchestrator) execute(ctx context.Context, req Request, f *flight) (Outcome, error) {
	start := time.Now()
	ctx = services.WithSource(ctx, string(req.Source))
	tag, _ := o.registry.Profiles.Tag(req.Profile)
	outcome := Outcome{Request: req, Tag: tag, States: []State{StateInit}}

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("ggmlforge.source", string(req.Source)),
		attribute.String("ggmlforge.profile", string(req.Profile)),
	))
	defer span.End()

	logger := logging.WithContext(ctx, o.logger)
	logger.Info("conversion started",
		logging.String(logging.FieldProfile, string(req.Profile)),
		logging.String(logging.FieldEventType, "pipeline_start"),
	)

	fail := func(err error) (Outcome, error) {
		outcome.States = append(outcome.States, StateFailed)
		outcome.Duration = time.Since(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.reportFailure(ctx, outcome, err)
		return outcome, err
	}

	toolchainResult, err := o.runStage(ctx, f, stage.Toolchain, func(ctx context.Context) (stage.Result, error) {
		return o.toolchain.EnsureToolchain(ctx)
	})
	if err != nil {
		return fail(err)
	}
	outcome.Stages = append(outcome.Stages, toolchainResult)
	outcome.States = append(outcome.States, StateToolchainReady)
	toolchainDir := toolchainResult.ProducedPath

	artifactResult, err := o.runStage(ctx, f, stage.Fetch, func(ctx context.Context) (stage.Result, error) {
		return o.fetcher.EnsureArtifact(ctx, req.Source)
	})
	if err != nil {
		return fail(err)
	}
	outcome.Stages = append(outcome.Stages, artifactResult)
	outcome.States = append(outcome.States, StateArtifactReady)

	f.enter(stage.Convert)
	release, err := o.locks.Acquire(ctx, "output:"+string(req.Source))
	if err != nil {
		if ctx.Err() != nil {
			return fail(stage.Canceled(stage.Convert, err))
		}
		return fail(stage.Fatal(stage.Convert, stage.CodeConversionFailed, err.Error(), err))
	}
	defer release()

	intermediate := o.converter.OutputPath(string(req.Source))
	convertResult, err := o.runStage(ctx, f, stage.Convert, func(ctx context.Context) (stage.Result, error) {
		return o.converter.Convert(ctx, toolchainDir, artifactResult.ProducedPath, intermediate)
	})
	if err != nil {
		return fail(err)
	}
	outcome.Stages = append(outcome.Stages, convertResult)
	outcome.States = append(outcome.States, StateConverted)

	final := o.reducer.OutputPath(string(req.Source), tag)
	reduceResult, err := o.runStage(ctx, f, stage.Reduce, func(ctx context.Context) (stage.Result, error) {
		return o.reducer.Reduce(ctx, toolchainDir, convertResult.ProducedPath, req.Profile, final)
	})
	if err != nil {
		return fail(err)
	}
	outcome.Stages = append(outcome.Stages, reduceResult)
	outcome.States = append(outcome.States, StateReduced, StateDone)
	outcome.FinalArtifactPath = reduceResult.ProducedPath
	outcome.Duration = time.Since(start)

	logger.Info("conversion complete",
		logging.String(logging.FieldProfile, string(req.Profile)),
		logging.String("artifact", outcome.FinalArtifactPath),
		logging.Duration("duration", outcome.Duration),
		logging.String(logging.FieldEventType, "pipeline_complete"),
	)
	if err := o.notifier.NotifyConversionCompleted(ctx, string(req.Source), string(req.Profile), outcome.FinalArtifactPath, outcome.Duration); err != nil {
		logging.WarnWithContext(logger, "completion notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "no push notification for this conversion"),
		)
	}
	return outcome, nil
}

func (o *Orchestrator) runStage(ctx context.Context, f *flight, name stage.Name, fn func(context.Context) (stage.Result, error)) (stage.Result, error) {
	f.enter(name)
	ctx = services.WithStage(ctx, string(name))
	ctx, span := o.tracer.Start(ctx, "stage."+string(name))
	defer span.End()

	logger := logging.WithContext(ctx, o.logger)
	logger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))
	start := time.Now()

	result, err := fn(ctx)
	if err != nil {
		failure := asStageFailure(name, err)
		span.RecordError(failure)
		span.SetStatus(codes.Error, string(failure.Code))
		span.SetAttributes(
			attribute.String("ggmlforge.failure.code", string(failure.Code)),
			attribute.String("ggmlforge.failure.kind", string(failure.Kind)),
		)
		logging.ErrorWithContext(logger, "stage failed", "stage_failure",
			logging.String("code", string(failure.Code)),
			logging.String("kind", string(failure.Kind)),
			logging.String("cause", failure.Cause),
			logging.Int("attempts", failure.Attempts),
			logging.String(logging.FieldErrorHint, hintFor(failure)),
		)
		return stage.Result{}, failure
	}

	result.Stage = name
	span.SetAttributes(
		attribute.Bool("ggmlforge.already_present", result.AlreadyPresent),
		attribute.String("ggmlforge.produced_path", result.ProducedPath),
	)
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Bool("already_present", result.AlreadyPresent),
		logging.String("produced_path", result.ProducedPath),
		logging.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (o *Orchestrator) reportFailure(ctx context.Context, outcome Outcome, err error) {
	if err := o.notifier.NotifyConversionFailed(ctx, string(outcome.Request.Source), string(outcome.Request.Profile), err); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, o.logger), "failure notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}

// Health reports readiness of the stages that support it.
func (o *Orchestrator) Health(ctx context.Context) []stage.Health {
	var health []stage.Health
	for _, component := range []any{o.toolchain, o.fetcher, o.converter, o.reducer} {
		if checker, ok := component.(stage.HealthChecker); ok {
			health = append(health, checker.HealthCheck(ctx))
		}
	}
	return health
}

func asStageFailure(name stage.Name, err error) *stage.Failure {
	if failure, ok := stage.AsFailure(err); ok {
		return failure
	}
	code := map[stage.Name]stage.Code{
		stage.Toolchain: stage.CodeToolchainMalformed,
		stage.Fetch:     stage.CodeFetchFailed,
		stage.Convert:   stage.CodeConversionFailed,
		stage.Reduce:    stage.CodeReductionFailed,
	}[name]
	return stage.Fatal(name, code, err.Error(), err)
}

func hintFor(failure *stage.Failure) string {
	switch failure.Code {
	case stage.CodeToolchainMalformed:
		return "check toolchain.archive_url and the release tag"
	case stage.CodeBuildFailed, stage.CodeBinaryMissing:
		return "check the build output; a C/C++ toolchain and make are required"
	case stage.CodeFetchFailed:
		return "check network access to the source location"
	case stage.CodeConverterMissing, stage.CodeReducerMissing:
		return "the toolchain directory is incomplete; remove it to force re-acquisition"
	case stage.CodeConversionFailed:
		return "check the python environment required by convert.py"
	case stage.CodeReductionFailed:
		return "check the intermediate file and the requested profile"
	case stage.CodeCanceled:
		return "the request was canceled or timed out"
	default:
		return "check logs for details"
	}
}
