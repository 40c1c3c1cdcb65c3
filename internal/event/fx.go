package event

import (
	"github.com/hookwise/entitled/internal/clock"
	"github.com/hookwise/entitled/internal/config"
	"github.com/hookwise/entitled/internal/event/repository"
	"github.com/hookwise/entitled/internal/event/service"
	"github.com/hookwise/entitled/internal/signature"
	"go.uber.org/fx"
)

var Module = fx.Module("event",
	fx.Provide(repository.Provide),
	fx.Provide(newVerifier),
	fx.Provide(service.NewService),
)

func newVerifier(cfg config.Config, clk clock.Clock) *signature.Verifier {
	return signature.NewVerifier(cfg.SignatureTolerance()).WithNow(clk.Now)
}
