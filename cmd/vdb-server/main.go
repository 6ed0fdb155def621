package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"vecengine/internal/manager"

	"vecengine/internal/config"
)

// Exit codes match spec.md's host-process contract.
const (
	exitOK              = 0
	exitConfigError     = 64
	exitStorageCorrupt  = 70
	exitResourceExhaust = 75
)

func main() {
	log.Println("📋 Starting vecengine server...")

	cfg, err := config.Load()
	if err != nil {
		log.Printf("🛑 invalid configuration: %v", err)
		os.Exit(exitConfigError)
	}

	log.Printf("📋 data dir: %s", cfg.Server.DataDir)
	log.Printf("📋 wal sync mode: %s", cfg.WAL.SyncPolicy)
	log.Printf("📋 max collections: %d", cfg.Limits.MaxCollections)

	m, err := manager.Open(cfg)
	if err != nil {
		log.Printf("🛑 failed to open manager: %v", err)
		os.Exit(exitStorageCorrupt)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Println("📡 vecengine server ready")
	<-sigChan

	log.Println("🛑 shutting down, draining in-flight writers...")
	if err := m.Close(); err != nil {
		log.Printf("🛑 error during shutdown: %v", err)
		os.Exit(exitResourceExhaust)
	}

	log.Println("👋 vecengine server stopped")
	os.Exit(exitOK)
}
