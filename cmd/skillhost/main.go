// Command skillhost runs one skill against the development host: file
// backed data dir, JSONL entity graph, SSE timeline, cron-driven ticks
// and an HTTP surface mirroring the host↔skill protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	goskills "github.com/everydev1618/goskills"
	"github.com/everydev1618/goskills/serve"
	"github.com/everydev1618/goskills/telegram"
	"github.com/everydev1618/goskills/telegram/mtproto"
)

// hostConfig is skillhost.yaml. tick_interval is a Go duration string
// like "20m".
type hostConfig struct {
	Addr         string          `yaml:"addr"`
	DataDir      string          `yaml:"data_dir"`
	Skill        string          `yaml:"skill"`
	TickInterval string          `yaml:"tick_interval"`
	Options      map[string]bool `yaml:"options"`
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		Addr:    ":8130",
		DataDir: "data",
		Skill:   telegram.Name,
	}
}

func loadHostConfig(path string) (hostConfig, error) {
	cfg := defaultHostConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c hostConfig) tickInterval() (time.Duration, error) {
	if c.TickInterval == "" {
		return telegram.TickInterval, nil
	}
	return time.ParseDuration(c.TickInterval)
}

func main() {
	configPath := flag.String("config", "skillhost.yaml", "host config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := loadHostConfig(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("skillhost exited with error", "error", err)
		os.Exit(1)
	}
}

func registerSkills() {
	goskills.Register(telegram.Name, func(host goskills.Host) goskills.Skill {
		return telegram.NewSkill(host, mtproto.New, telegram.DefaultConfig(), slog.Default().With("skill", telegram.Name))
	})
}

func run(cfg hostConfig, log *slog.Logger) error {
	registerSkills()

	broker := serve.NewEventBroker()
	defer broker.Close()

	host, err := serve.NewFileHost(cfg.Skill, cfg.DataDir, broker, log)
	if err != nil {
		return err
	}

	skill, err := goskills.New(cfg.Skill, host)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := skill.Load(ctx, goskills.LoadParams{
		DataDir: host.DataDir(),
		Options: cfg.Options,
	}); err != nil {
		return fmt.Errorf("load %s: %w", cfg.Skill, err)
	}

	tick, err := cfg.tickInterval()
	if err != nil {
		return fmt.Errorf("invalid tick_interval: %w", err)
	}
	scheduler := serve.NewScheduler(log)
	scheduler.AddSkill(skill, tick)
	go scheduler.Start(ctx)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: serve.NewServer(skill, broker, log).Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("skillhost listening", "addr", cfg.Addr, "skill", cfg.Skill, "data_dir", cfg.DataDir)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// Graceful unload: drain ingest, flush the durable store, reset state.
	unloadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := skill.Unload(unloadCtx); err != nil {
		log.Warn("unload failed", "error", err)
	}
	log.Info("skillhost stopped")
	return nil
}
