package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/reproflow/internal/migration"
)

// =============================================================================
// 🗄️ 检查点表迁移命令
// =============================================================================

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type: postgres, mysql (default: from config)")
	dbURL := fs.String("db-url", "", "Database connection URL (default: from config)")
	fs.Usage = printMigrateUsage

	if len(args) == 0 {
		printMigrateUsage()
		return flag.ErrHelp
	}
	action := args[0]
	if action == "help" || action == "-h" || action == "--help" {
		printMigrateUsage()
		return nil
	}
	rest := args[1:]
	var actionArgs []string
	// steps / force 的数字参数可能为负，先于 flag 解析取出
	if (action == "steps" || action == "force") && len(rest) > 0 {
		if _, err := strconv.Atoi(rest[0]); err == nil {
			actionArgs, rest = []string{rest[0]}, rest[1:]
		}
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	var m *migration.DefaultMigrator
	if *dbURL != "" {
		typ := *dbType
		if typ == "" {
			typ = cfg.Database.Driver
		}
		m, err = migration.NewMigratorFromURL(typ, *dbURL, logger)
	} else {
		m, err = migration.NewMigratorFromConfig(cfg, logger)
	}
	if errors.Is(err, migration.ErrAutoMigrated) {
		fmt.Println("sqlite checkpoint tables are created automatically; nothing to migrate")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("failed to close migrator", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	actionArgs = append([]string{action}, append(actionArgs, fs.Args()...)...)
	return migration.NewCLI(m).Run(ctx, actionArgs)
}

func printMigrateUsage() {
	fmt.Println(`Checkpoint Table Migrations

Usage:
  reproflow migrate <action> [options]

Actions:
  up          Apply all pending migrations
  down        Roll back the last migration
  down-all    Roll back all migrations
  steps <n>   Apply (n>0) or roll back (n<0) n migrations
  force <v>   Force the migration version (clears dirty state)
  version     Show the current migration version
  status      Show migration status

Options:
  --config <path>    Path to configuration file (YAML)
  --db-type <type>   postgres or mysql (default: database.driver from config)
  --db-url <url>     Database connection URL (default: built from config)

SQLite needs no migrations; the checkpoint store creates its table on open.`)
}
