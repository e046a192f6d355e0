package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/mprovost129/ez360pm/internal/billable"
	"github.com/mprovost129/ez360pm/internal/clock"
	"github.com/mprovost129/ez360pm/internal/config"
	"github.com/mprovost129/ez360pm/internal/document"
	"github.com/mprovost129/ez360pm/internal/logger"
	"github.com/mprovost129/ez360pm/internal/migration"
	"github.com/mprovost129/ez360pm/internal/notification"
	"github.com/mprovost129/ez360pm/internal/numbering"
	"github.com/mprovost129/ez360pm/internal/providers/email"
	"github.com/mprovost129/ez360pm/internal/recurring"
	"github.com/mprovost129/ez360pm/internal/scheduler"
	"github.com/mprovost129/ez360pm/pkg/db"
	"go.uber.org/fx"
)

// Worker-only binary: runs the recurring billing engine without the
// HTTP surface. Safe to scale horizontally.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		numbering.Module,
		billable.Module,
		document.Module,
		email.Module,
		notification.Module,
		recurring.Module,

		scheduler.Module,
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
