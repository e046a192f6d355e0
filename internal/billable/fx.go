package billable

import (
	"github.com/mprovost129/ez360pm/internal/billable/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billable",
	fx.Provide(service.NewAggregator),
)
