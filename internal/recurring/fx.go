package recurring

import (
	"time"

	"github.com/mprovost129/ez360pm/internal/config"
	"github.com/mprovost129/ez360pm/internal/recurring/service"
	"go.uber.org/fx"
)

func newEngineConfig(cfg config.Config) service.Config {
	return service.Config{
		WorkerCount: cfg.Scheduler.WorkerCount,
		PlanTimeout: time.Duration(cfg.Scheduler.PlanTimeoutSec) * time.Second,
	}
}

var Module = fx.Module("recurring",
	fx.Provide(
		newEngineConfig,
		service.NewEngine,
	),
)
