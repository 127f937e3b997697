// Package train holds the standard hyperparameter flags of a training
// script.
package train

import (
	"fmt"

	"github.com/expctx/expctx/pkg/scripting"
	"github.com/expctx/expctx/pkg/track"
)

// ModuleName is the registry name of the train module
const ModuleName = "train"

// Module registers the common training hyperparameters. The epoch count is
// excluded from the tracking config snapshot because it legitimately
// changes between resumed runs.
type Module struct {
	scripting.Base

	epochs       int
	batchSize    int
	learningRate float64
}

var _ scripting.Module = (*Module)(nil)

// New creates the train module
func New() *Module {
	return &Module{}
}

// Name returns the module registry name
func (m *Module) Name() string { return ModuleName }

// Epochs returns the configured epoch count. Valid after Init.
func (m *Module) Epochs() int { return m.epochs }

// BatchSize returns the configured batch size. Valid after Init.
func (m *Module) BatchSize() int { return m.batchSize }

// LearningRate returns the configured learning rate. Valid after Init.
func (m *Module) LearningRate() float64 { return m.learningRate }

// DefineArguments registers the hyperparameter flags
func (m *Module) DefineArguments(ctx *scripting.Context) error {
	group := ctx.Arguments().Group("Training", "Hyperparameters for model training.")
	group.Flags.Int("epochs", 1, "The number of epochs to train for.")
	group.Flags.Int("batch-size", 32, "The number of samples per training batch.")
	group.Flags.Float64("learning-rate", 1e-3, "The optimizer learning rate.")
	return nil
}

// Init validates and caches the hyperparameters
func (m *Module) Init(ctx *scripting.Context) error {
	cfg := ctx.Config()
	m.epochs = cfg.GetInt("epochs")
	m.batchSize = cfg.GetInt("batch-size")
	m.learningRate = cfg.GetFloat64("learning-rate")

	if m.epochs < 1 {
		return fmt.Errorf("epochs must be positive, got %d", m.epochs)
	}
	if m.batchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", m.batchSize)
	}
	if m.learningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", m.learningRate)
	}

	if ctx.IsUsing(track.ModuleName) {
		scripting.Get[*track.Module](ctx).ExcludeConfigKeys([]string{"epochs"})
	}
	return nil
}
