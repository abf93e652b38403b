package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobkenney/emberchat/internal/config"
	"github.com/jacobkenney/emberchat/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg)
	log.Printf("server: listening on %s", cfg.Server.Addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
