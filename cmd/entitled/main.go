package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hookwise/entitled/internal/clock"
	"github.com/hookwise/entitled/internal/config"
	"github.com/hookwise/entitled/internal/credential"
	"github.com/hookwise/entitled/internal/customer"
	"github.com/hookwise/entitled/internal/entitlement"
	"github.com/hookwise/entitled/internal/event"
	"github.com/hookwise/entitled/internal/migration"
	"github.com/hookwise/entitled/internal/notifier"
	"github.com/hookwise/entitled/internal/observability"
	"github.com/hookwise/entitled/internal/server"
	"github.com/hookwise/entitled/internal/tenant"
	"github.com/hookwise/entitled/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		tenant.Module,
		credential.Module,
		customer.Module,
		entitlement.Module,
		notifier.Module,
		event.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterAPIRoutes()
		}),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
