package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"trailguard/config"
	"trailguard/logs"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the config.yaml file")
	watch := flag.Bool("watch", false, "Run continuously on the configured interval instead of a single pass")
	instanceKey := flag.String("instance", "", "Restrict the pass to a single instance key")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: .env file not found, will continue using system environment variables.")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Fatal error: Unable to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	if *instanceKey != "" {
		filtered := cfg.Instances[:0]
		for _, inst := range cfg.Instances {
			if inst.Key == *instanceKey {
				filtered = append(filtered, inst)
			}
		}
		if len(filtered) == 0 {
			fmt.Printf("Fatal error: No instance with key '%s' in the configuration.\n", *instanceKey)
			os.Exit(1)
		}
		cfg.Instances = filtered
	}

	envCfg := config.LoadEnvConfig()

	logFilename := filepath.Join(cfg.Normal.LogDirectory, "trailguard.log")
	if err := logs.Init(cfg.Logs, logFilename); err != nil {
		fmt.Printf("Fatal error: Failed to initialize logging system: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()

	logs.Infof("Configuration loaded successfully, logs will be written to: %s", logFilename)

	orchestrator, err := NewOrchestrator(cfg, envCfg)
	if err != nil {
		logs.Fatalf("Failed to initialize Orchestrator: %v", err)
	}

	if !*watch {
		if err := orchestrator.RunOnce(); err != nil {
			logs.Errorf("[Main] Pass failed: %v", err)
			os.Exit(1)
		}
		return
	}

	orchestrator.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	orchestrator.Stop()
}
