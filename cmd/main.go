package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/beyondbrewing/brewery-couch/adapter"
	"github.com/beyondbrewing/brewery-couch/config"
	"github.com/beyondbrewing/brewery-couch/db"
	"github.com/beyondbrewing/brewery-couch/pkg/logger"
	"github.com/beyondbrewing/brewery-couch/utils"
	"github.com/beyondbrewing/brewery-couch/watcher"
	"github.com/spf13/viper"
)

func main() {
	logger.SetDefault(logger.MustProduction())
	defer logger.SyncDefault()

	utils.ImportEnv()
	viper.SetDefault("COUCH_DATADIR", config.COUCH_DATADIR)
	viper.SetDefault("COUCH_DBNAME", config.COUCH_DBNAME)
	viper.SetDefault("COUCH_SYNCWRITES", config.COUCH_SYNCWRITES)
	viper.SetDefault("COUCH_CACHESIZE", config.COUCH_CACHESIZE)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := filepath.Join(viper.GetString("COUCH_DATADIR"), viper.GetString("COUCH_DBNAME"))
	database, err := adapter.Open(path,
		adapter.WithLogger(logger.Default()),
		adapter.WithStoreOptions(
			db.WithSyncWrites(viper.GetBool("COUCH_SYNCWRITES")),
			db.WithCacheSize(viper.GetInt64("COUCH_CACHESIZE")),
		),
	)
	if err != nil {
		logger.Fatal("failed to open database", "error", err)
	}
	defer database.Close()

	info, err := database.Info()
	if err != nil {
		logger.Fatal("failed to read database info", "error", err)
	}

	w, err := watcher.New(
		watcher.WithDatabase(database),
		watcher.WithSince(info.UpdateSeq),
		watcher.WithLogger(logger.Default()),
	)
	if err != nil {
		logger.Fatal("failed to create watcher", "error", err)
	}

	if err := w.Run(ctx); err != nil {
		logger.Fatal("watcher error", "error", err)
	}
}
