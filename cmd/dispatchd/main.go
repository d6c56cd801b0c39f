package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	dispatch "github.com/toolboxai/dispatch"
	"github.com/toolboxai/dispatch/internal/config"
	"github.com/toolboxai/dispatch/internal/tasks"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %s", err)
	}

	d, err := dispatch.New(cfg)
	if err != nil {
		log.Fatalf("failed to create dispatch: %s", err)
	}

	tasks.RegisterBuiltin(d)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		d.Close()
	}()

	if err := d.Run(); err != nil {
		log.Fatalf("dispatch exited with error: %s", err)
	}
}
