// Command tiercache is the operational CLI for a tiercache deployment: it
// connects to the configured backends and runs the SLA self-test, prints
// statistics, or performs maintenance.
//
// Usage:
//
//	tiercache [-config path] validate|stats|size|maintain
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"

	"github.com/tiercache/tiercache/pkg/cache"
	"github.com/tiercache/tiercache/pkg/cache/store"
	"github.com/tiercache/tiercache/pkg/observability"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tiercache [-config path] validate|stats|size|maintain")
		os.Exit(2)
	}

	if err := run(*configPath, flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, "tiercache:", err)
		os.Exit(1)
	}
}

func run(configPath, command string) error {
	if err := loadConfig(configPath); err != nil {
		return err
	}

	config, err := cache.LoadConfigFromViper()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := cache.NewDefault(ctx, backendsFromViper(), cache.ManagerOptions{
		Config:  config,
		Logger:  observability.NewLogger("tiercache"),
		Metrics: observability.NewPrometheusMetricsClient("tiercache"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	switch command {
	case "validate":
		return printJSON(manager.Validate(ctx))
	case "stats":
		return printJSON(manager.Stats())
	case "size":
		return printJSON(manager.Size(ctx))
	case "maintain":
		return printJSON(manager.Maintenance(ctx))
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// loadConfig reads the optional config file and TIERCACHE_* environment
// overrides into viper.
func loadConfig(path string) error {
	viper.SetEnvPrefix("tiercache")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

func backendsFromViper() cache.ManagerBackends {
	backends := cache.ManagerBackends{
		MemoryMaxEntries: viper.GetInt("backends.memory.max_entries"),
	}

	if addr := viper.GetString("backends.redis.address"); addr != "" {
		redisCfg := store.RedisConfig{}
		_ = viper.UnmarshalKey("backends.redis", &redisCfg)
		backends.Redis = &redisCfg
	}

	if dsn := viper.GetString("backends.sql.dsn"); dsn != "" {
		sqlCfg := cache.SQLBackend{Driver: "postgres"}
		_ = viper.UnmarshalKey("backends.sql", &sqlCfg)
		backends.SQL = &sqlCfg
	}

	_ = viper.UnmarshalKey("backends.breaker", &backends.Breaker)

	return backends
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
