package apply

import (
	"github.com/burnengine/burn/pkg/engine"
)

// Services is the full set of operations an apply drives. The elevation
// client implements it for per-machine work.
type Services interface {
	engine.PackageExecutor
	engine.CacheManager
	engine.DependencyRegistrar
	engine.RegistrationSession
	engine.TransactionManager
}

type router struct {
	local    Services
	elevated Services
}

func (r router) route(perMachine bool) (Services, error) {
	if !perMachine {
		return r.local, nil
	}
	if r.elevated == nil {
		return nil, engine.NewTransportError("per-machine work requires an elevated session", nil).
			WithCode(engine.ErrCodeNotElevated)
	}
	return r.elevated, nil
}
