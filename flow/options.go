package flow

import (
	"github.com/flowcraft/flowcraft/flow/emit"
	"github.com/flowcraft/flowcraft/flow/metrics"
)

// Options configures a run of the local orchestrator. Construct via
// functional Option values passed to Run.
type Options struct {
	Serializer   Serializer
	Emitter      emit.Emitter
	Evaluator    *Evaluator
	Middleware   []Middleware
	Registry     *Registry
	Dependencies any
	Strict       bool
	Metrics      *metrics.Metrics
	MaxSteps     int
	QueueDepth   int
	RunID        string
}

func defaultOptions() Options {
	return Options{
		Serializer: JSONSerializer{},
		Emitter:    emit.NullEmitter{},
		Evaluator:  NewEvaluator(),
		Registry:   NewRegistry(),
		QueueDepth: 1024,
	}
}

// Option mutates Options during Run setup.
type Option func(*Options)

// WithSerializer overrides the default JSON context serializer.
func WithSerializer(s Serializer) Option {
	return func(o *Options) { o.Serializer = s }
}

// WithEmitter sets the event sink for this run. Defaults to
// emit.NullEmitter{}.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) { o.Emitter = e }
}

// WithEvaluator overrides the default expression evaluator.
func WithEvaluator(e *Evaluator) Option {
	return func(o *Options) { o.Evaluator = e }
}

// WithMiddleware appends resiliency-pipeline middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *Options) { o.Middleware = append(o.Middleware, mw...) }
}

// WithRegistry supplies the implementation/blueprint registry used to
// resolve node "uses" keys and subflow blueprint IDs.
func WithRegistry(r *Registry) Option {
	return func(o *Options) { o.Registry = r }
}

// WithDependencies sets the opaque value injected into every node's
// NodeInput.Dependencies for this run.
func WithDependencies(deps any) Option {
	return func(o *Options) { o.Dependencies = deps }
}

// WithStrict rejects cyclic blueprints at load time (invariant 4) instead
// of warning and proceeding.
func WithStrict(strict bool) Option {
	return func(o *Options) { o.Strict = strict }
}

// WithMetrics enables Prometheus metrics collection for this run.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithMaxSteps caps the number of node activations this run may perform
// before failing with ErrMaxActivationsExceeded — a safety net for cyclic
// or runaway blueprints. Zero (the default) disables the cap.
func WithMaxSteps(n int) Option {
	return func(o *Options) { o.MaxSteps = n }
}

// WithQueueDepth caps how many work items a single frontier wave may
// enqueue before the run fails with ErrBackpressureTimeout. Default 1024.
func WithQueueDepth(n int) Option {
	return func(o *Options) { o.QueueDepth = n }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(o *Options) { o.RunID = id }
}
