package customer

import (
	"github.com/hookwise/entitled/internal/customer/repository"
	"github.com/hookwise/entitled/internal/customer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("customer",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
