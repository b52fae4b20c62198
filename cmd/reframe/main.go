package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"

	"github.com/mantonx/reframe/internal/config"
	"github.com/mantonx/reframe/internal/database"
	"github.com/mantonx/reframe/internal/logger"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule"
	"github.com/mantonx/reframe/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reframe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("REFRAME_CONFIG_PATH"), "path to a yaml or json config file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	watch := flag.Bool("watch", true, "reload the config file when it changes")
	flag.Parse()

	// a missing .env is normal outside development
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}

	bootLogger := hclog.New(&hclog.LoggerOptions{Name: "reframe", Level: hclog.Info})
	manager := config.NewManager(bootLogger)
	if err := manager.LoadConfig(*configPath); err != nil {
		return err
	}
	cfg := manager.GetConfig()

	log, closer, err := logger.New("reframe", cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer closer.Close()
	manager.AddWatcher(logger.Watcher(log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watch && manager.Path() != "" {
		if err := manager.Watch(ctx, config.DefaultDebounce); err != nil {
			log.Warn("config watching disabled", "error", err)
		}
	}

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	module := transcodingmodule.NewModule(cfg, db, log)
	if err := module.Init(); err != nil {
		return fmt.Errorf("initialize %s: %w", module.Name(), err)
	}

	srv := server.New(cfg.Server, log, module)
	log.Info("reframe starting",
		"address", cfg.Server.Address(),
		"database", cfg.Database.Type,
		"media_root", cfg.Transcoding.MediaRoot,
		"output_root", cfg.Transcoding.OutputRoot)
	return srv.Run(ctx)
}
