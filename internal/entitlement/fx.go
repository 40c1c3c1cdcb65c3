package entitlement

import (
	"github.com/hookwise/entitled/internal/entitlement/repository"
	"github.com/hookwise/entitled/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
