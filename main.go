package main

import (
	"context"
	"os"

	"lumen/internal/chat"
	"lumen/internal/config"
	"lumen/internal/db"
	"lumen/internal/logging"
	"lumen/internal/provider"
	"lumen/internal/styles"
	"lumen/internal/ui"

	"github.com/fatih/color"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		color.Red("lumen: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// Settings may live in a .env next to the binary; a missing file is fine.
	cfg, err := config.LoadWithEnvFile(".env")
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting", zap.String("model", cfg.Model), zap.String("db", cfg.DBPath))

	store, err := db.Open(cfg.DBPath, log.Named("store"))
	if err != nil {
		log.Error("open database", zap.Error(err))
		return err
	}
	defer store.Close()
	if err := store.MigrationErr(); err != nil {
		log.Warn("attachment paths disabled", zap.Error(err))
	}

	creds, err := config.NewCredentials(cfg.EnvFile, cfg.KeyVar, log.Named("credentials"))
	if err != nil {
		return err
	}
	key, err := creds.Load()
	if err != nil {
		log.Warn("load api key", zap.Error(err))
	}

	newProvider := func(key string) provider.Provider {
		if key == "" {
			return nil
		}
		return provider.NewOpenAI(provider.Options{
			APIKey:      key,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			Timeout:     cfg.RequestTimeout,
			MaxRetries:  2,
		}, log.Named("provider"))
	}

	obs := ui.NewObserver()
	ctrl := chat.New(chat.Options{
		Store:         store,
		Provider:      newProvider(key),
		Observer:      obs,
		Log:           log.Named("chat"),
		TempFileGrace: config.TempFileGrace,
		StopGrace:     config.StopGrace,
	})

	p := ui.NewProgram(ui.Options{
		Conversation: ctrl,
		ModelName:    cfg.Model,
		GlamourStyle: styles.InitTheme(),
		SaveKey: func(key string) error {
			if err := creds.Save(key); err != nil {
				return err
			}
			ctrl.Reconfigure(newProvider(key))
			return nil
		},
		Log: log,
	}, obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := creds.Watch(ctx, func(key string) {
		ctrl.Reconfigure(newProvider(key))
		obs.Send(ui.KeyChangedMsg{Configured: key != ""})
	}); err != nil {
		log.Warn("watch env file", zap.String("path", creds.Path()), zap.Error(err))
	}

	if _, err := p.Run(); err != nil {
		log.Error("ui exited", zap.Error(err))
		ctrl.Shutdown()
		return err
	}
	ctrl.Shutdown()
	log.Info("exiting")
	return nil
}
