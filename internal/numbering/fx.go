package numbering

import (
	"github.com/mprovost129/ez360pm/internal/numbering/service"
	"go.uber.org/fx"
)

var Module = fx.Module("numbering",
	fx.Provide(service.NewService),
)
