package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/appruntime/broadcastd/internal/infrastructure/config"
	"github.com/appruntime/broadcastd/internal/infrastructure/server"
)

func main() {
	tunables := flag.String("tunables", "", "Optional YAML tunables file layered over the environment")
	port := flag.String("port", "", "Override the listen port")
	flag.Parse()

	cfg, err := config.LoadWithOverrides(*tunables)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		if err := srv.Close(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}
}
