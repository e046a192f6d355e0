package document

import (
	"github.com/mprovost129/ez360pm/internal/document/domain"
	"github.com/mprovost129/ez360pm/internal/document/service"
	"github.com/mprovost129/ez360pm/pkg/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("document",
	fx.Provide(
		repository.ProvideStore[domain.BillingDocument],
		service.NewService,
	),
)
