// Package callback runs user callback hooks under supervision.
//
// Hook failures must never unwind the lifecycle transition that
// triggered them: every invocation runs with a bounded budget, panics
// are recovered, and errors are logged and swallowed.
package callback

import (
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/events"
	"github.com/lyonnee/gmx-synthetics/internal/gasfee"
	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/pkg/metrics"
)

// Hook is the external notification surface. Implementations are
// user-supplied and untrusted.
type Hook interface {
	AfterExecution(key model.Key, event events.Event) error
	AfterCancellation(key model.Key, event events.Event) error
	AfterFreeze(key model.Key, event events.Event) error
}

// Registry resolves the hook registered for a callback contract.
type Registry interface {
	Hook(contract model.Address) (Hook, bool)
}

// MapRegistry is a static contract -> hook table.
type MapRegistry map[model.Address]Hook

func (m MapRegistry) Hook(contract model.Address) (Hook, bool) {
	h, ok := m[contract]
	return h, ok
}

// Supervisor isolates hook invocations from the lifecycle.
type Supervisor struct {
	registry Registry
	logger   *zap.Logger
}

func NewSupervisor(registry Registry, logger *zap.Logger) *Supervisor {
	if registry == nil {
		registry = MapRegistry{}
	}
	return &Supervisor{registry: registry, logger: logger}
}

type stage int

const (
	StageExecution stage = iota
	StageCancellation
	StageFreeze
)

// Notify invokes the request's callback hook, if any, charging its
// configured gas limit against the budget. Any failure, including a
// panic inside the hook, is converted into a logged outcome.
func (s *Supervisor) Notify(st stage, meta model.RequestMeta, key model.Key, event events.Event, budget *gasfee.Budget) {
	if meta.CallbackContract == (model.Address{}) {
		return
	}
	hook, ok := s.registry.Hook(meta.CallbackContract)
	if !ok {
		return
	}

	if budget != nil {
		if budget.Forwardable() < meta.CallbackGasLimit {
			s.logger.Warn("skipping callback: budget below callback gas limit",
				zap.String("key", key.Hex()),
				zap.Uint64("callback_gas_limit", meta.CallbackGasLimit),
			)
			metrics.CallbackFailures.Inc()
			return
		}
		budget.Consume(meta.CallbackGasLimit)
	}

	err := s.invoke(st, hook, key, event)
	if err != nil {
		s.logger.Warn("callback failed",
			zap.String("key", key.Hex()),
			zap.String("contract", meta.CallbackContract.Hex()),
			zap.Error(err),
		)
		metrics.CallbackFailures.Inc()
	}
}

func (s *Supervisor) invoke(st stage, hook Hook, key model.Key, event events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	switch st {
	case StageExecution:
		return hook.AfterExecution(key, event)
	case StageCancellation:
		return hook.AfterCancellation(key, event)
	case StageFreeze:
		return hook.AfterFreeze(key, event)
	}
	return nil
}

// PanicError wraps a recovered panic from a hook.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "callback panicked"
}
