package fluxetl

import (
	"fmt"
	"log/slog"
)

// PipelineBuilder provides a fluent API for assembling an Engine:
//
//	eng, err := fluxetl.NewPipeline(store).
//	    WithBuiltins(nil).
//	    Handle("enrich", enrich).
//	    Steps(fluxetl.DefaultPipeline...).
//	    Step("enrich").
//	    Build()
//
//	res, err := eng.Process(ctx, "people.csv", nil)
type PipelineBuilder struct {
	cfg      EngineConfig
	handlers map[string]StepHandler
	order    []string
	steps    []string
}

// NewPipeline starts a builder persisting to store.
func NewPipeline(store StateRepository) *PipelineBuilder {
	return &PipelineBuilder{
		cfg:      EngineConfig{Store: store},
		handlers: make(map[string]StepHandler),
	}
}

// Handle registers a handler under name.
func (b *PipelineBuilder) Handle(name string, h StepHandler) *PipelineBuilder {
	if name == "" {
		panic("fluxetl: step name must not be empty")
	}
	if h == nil {
		panic(fmt.Sprintf("fluxetl: step %q has nil handler", name))
	}
	if _, ok := b.handlers[name]; !ok {
		b.order = append(b.order, name)
	}
	b.handlers[name] = h
	return b
}

// WithBuiltins registers the built-in tabular steps. Handlers registered
// under the same names before or after take precedence.
func (b *PipelineBuilder) WithBuiltins(sinks SinkFactory) *PipelineBuilder {
	for name, h := range Builtins(sinks) {
		if _, ok := b.handlers[name]; !ok {
			b.Handle(name, h)
		}
	}
	return b
}

// Step appends a step to the pipeline.
func (b *PipelineBuilder) Step(name string) *PipelineBuilder {
	b.steps = append(b.steps, name)
	return b
}

// Steps appends several steps in order.
func (b *PipelineBuilder) Steps(names ...string) *PipelineBuilder {
	b.steps = append(b.steps, names...)
	return b
}

// Driver sets the import driver and its configuration.
func (b *PipelineBuilder) Driver(name string, config map[string]any) *PipelineBuilder {
	b.cfg.Driver = name
	b.cfg.DriverConfig = config
	return b
}

// MemoryLimit sets the memory ceiling, e.g. "512MB".
func (b *PipelineBuilder) MemoryLimit(limit string) *PipelineBuilder {
	b.cfg.MemoryLimit = limit
	return b
}

// Observer sets the run observer.
func (b *PipelineBuilder) Observer(obs Observer) *PipelineBuilder {
	b.cfg.Observer = obs
	return b
}

// Logger sets the engine logger.
func (b *PipelineBuilder) Logger(logger *slog.Logger) *PipelineBuilder {
	b.cfg.Logger = logger
	return b
}

// Configure applies fn to the engine configuration for settings without a
// dedicated builder method.
func (b *PipelineBuilder) Configure(fn func(*EngineConfig)) *PipelineBuilder {
	fn(&b.cfg)
	return b
}

// Build registers the handlers, declares the steps and checks the context
// keys declared by the handlers.
func (b *PipelineBuilder) Build() (*Engine, error) {
	cfg := b.cfg
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	for _, name := range b.order {
		if err := cfg.Registry.Register(name, b.handlers[name]); err != nil {
			return nil, err
		}
	}

	eng, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	for _, name := range b.steps {
		if err := eng.AddStep(name); err != nil {
			return nil, err
		}
	}
	if err := eng.Validate(); err != nil {
		return nil, fmt.Errorf("fluxetl: invalid pipeline: %w", err)
	}
	return eng, nil
}

// MustBuild is like Build but panics on error.
// Useful for initialization in main().
func (b *PipelineBuilder) MustBuild() *Engine {
	eng, err := b.Build()
	if err != nil {
		panic(err)
	}
	return eng
}
