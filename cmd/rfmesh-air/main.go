// RF Mesh Air
// Shared simulated radio channel for controller and node processes
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agsys/rfmesh/internal/radio/bridge"
)

// Config represents the configuration file structure
type Config struct {
	Air struct {
		EventURL   string  `yaml:"event_url"`
		CommandURL string  `yaml:"command_url"`
		LossRate   float64 `yaml:"loss_rate"`
	} `yaml:"air"`

	Logging struct {
		File string `yaml:"file"`
	} `yaml:"logging"`
}

var (
	configFile string
	logFile    string
	lossRate   float64
	rootCmd    = &cobra.Command{
		Use:   "rfmesh-air",
		Short: "RF Mesh simulated air",
		Long:  "Hub that carries frames between bridge radios tuned to the same channel.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the hub",
		RunE:  runAir,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file")
	runCmd.Flags().Float64Var(&lossRate, "loss", -1, "Frame loss probability, overrides the config file")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func runAir(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if logFile != "" {
		cfg.Logging.File = logFile
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	hubCfg := bridge.DefaultHubConfig()
	if cfg.Air.EventURL != "" {
		hubCfg.EventURL = cfg.Air.EventURL
	}
	if cfg.Air.CommandURL != "" {
		hubCfg.CommandURL = cfg.Air.CommandURL
	}
	hubCfg.LossRate = cfg.Air.LossRate
	if lossRate >= 0 {
		hubCfg.LossRate = lossRate
	}
	if hubCfg.LossRate > 1 {
		return fmt.Errorf("loss rate must be between 0 and 1")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	hub := bridge.NewHub(hubCfg)
	if err := hub.Start(); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	return hub.Stop()
}
