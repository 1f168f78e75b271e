// RF Mesh Controller
// Main entry point for the mesh controller service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agsys/rfmesh/internal/console"
	"github.com/agsys/rfmesh/internal/engine"
	"github.com/agsys/rfmesh/internal/health"
	"github.com/agsys/rfmesh/internal/metrics"
	"github.com/agsys/rfmesh/internal/radio"
	"github.com/agsys/rfmesh/internal/radio/bridge"
)

// Config represents the configuration file structure
type Config struct {
	Controller struct {
		NodeID    uint8  `yaml:"node_id"`
		Transport string `yaml:"transport"` // sim or bridge
	} `yaml:"controller"`

	Radio struct {
		Channel       *uint8 `yaml:"channel"`
		Bitrate       string `yaml:"bitrate"`
		PayloadLength uint8  `yaml:"payload_length"`
		EventURL      string `yaml:"event_url"`
		CommandURL    string `yaml:"command_url"`
	} `yaml:"radio"`

	Reliability struct {
		MaxRetries        *uint8 `yaml:"max_retries"`
		RetryDelayMs      int    `yaml:"retry_delay_ms"`
		CompletionTimeout int    `yaml:"completion_timeout_ms"`
	} `yaml:"reliability"`

	Console struct {
		Port     string `yaml:"port"`
		BaudRate int    `yaml:"baud_rate"`
		URL      string `yaml:"url"`
		Token    string `yaml:"token"`
	} `yaml:"console"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Timing struct {
		PollIntervalMs  int `yaml:"poll_interval_ms"`
		AliveIntervalMs int `yaml:"alive_interval_ms"`
	} `yaml:"timing"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Health struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"health"`

	Logging struct {
		File string `yaml:"file"`
	} `yaml:"logging"`
}

var (
	configFile  string
	logFile     string
	healthAddr  string
	healthScope string
	rootCmd     = &cobra.Command{
		Use:   "rfmesh-controller",
		Short: "RF Mesh Controller",
		Long:  "Host controller for the low-power RF mesh. Bridges an operator console to the radio.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Query the health service of a running controller",
		RunE:  runHealth,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("RF Mesh Controller v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/rfmesh/controller.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file")
	healthCmd.Flags().StringVar(&healthAddr, "addr", "127.0.0.1:7001", "Health service address")
	healthCmd.Flags().StringVar(&healthScope, "service", health.ServiceName, "Service name to check")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// setupLogging redirects the standard logger. The flag wins over the file.
func setupLogging(path string) (func(), error) {
	if logFile != "" {
		path = logFile
	}
	if path == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return func() { f.Close() }, nil
}

// engineConfig maps the file onto the engine defaults
func engineConfig(cfg *Config) (engine.Config, error) {
	engineCfg := engine.DefaultConfig()

	if cfg.Controller.NodeID != 0 {
		engineCfg.NodeID = cfg.Controller.NodeID
	}
	if cfg.Controller.Transport != "" {
		engineCfg.TransportName = cfg.Controller.Transport
	}

	if cfg.Radio.Channel != nil {
		engineCfg.Radio.Channel = *cfg.Radio.Channel
	}
	bitrate, err := radio.ParseBitrate(cfg.Radio.Bitrate)
	if err != nil {
		return engineCfg, err
	}
	engineCfg.Radio.Bitrate = bitrate
	engineCfg.Radio.PayloadLength = cfg.Radio.PayloadLength

	if cfg.Reliability.MaxRetries != nil {
		engineCfg.Policy.MaxRetries = *cfg.Reliability.MaxRetries
	}
	if cfg.Reliability.RetryDelayMs > 0 {
		engineCfg.Policy.RetryDelay = millis(cfg.Reliability.RetryDelayMs)
	}
	if cfg.Reliability.CompletionTimeout > 0 {
		engineCfg.Link.CompletionTimeout = millis(cfg.Reliability.CompletionTimeout)
	}

	if cfg.Database.Path != "" {
		engineCfg.DatabasePath = cfg.Database.Path
	}
	if cfg.Timing.PollIntervalMs > 0 {
		engineCfg.PollInterval = millis(cfg.Timing.PollIntervalMs)
	}
	if cfg.Timing.AliveIntervalMs > 0 {
		engineCfg.AliveInterval = millis(cfg.Timing.AliveIntervalMs)
	}

	return engineCfg, nil
}

// openTransport returns the radio named in the config
func openTransport(cfg *Config, name string) (radio.Transport, error) {
	switch name {
	case "sim":
		return radio.NewSim("controller"), nil
	case "bridge":
		bc := bridge.DefaultClientConfig()
		if cfg.Radio.EventURL != "" {
			bc.EventURL = cfg.Radio.EventURL
		}
		if cfg.Radio.CommandURL != "" {
			bc.CommandURL = cfg.Radio.CommandURL
		}
		client := bridge.NewClient(bc)
		if err := client.Start(); err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func runController(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	closeLog, err := setupLogging(cfg.Logging.File)
	if err != nil {
		return err
	}
	defer closeLog()

	engineCfg, err := engineConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid radio config: %w", err)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Open the operator console
	consoleCfg := console.DefaultConfig()
	consoleCfg.Port = cfg.Console.Port
	consoleCfg.URL = cfg.Console.URL
	consoleCfg.Token = cfg.Console.Token
	if cfg.Console.BaudRate > 0 {
		consoleCfg.BaudRate = cfg.Console.BaudRate
	}
	conn, desc, err := console.Open(ctx, consoleCfg)
	if err != nil {
		return fmt.Errorf("failed to open console: %w", err)
	}
	defer conn.Close()
	log.Printf("Console on %s", desc)

	transport, err := openTransport(cfg, engineCfg.TransportName)
	if err != nil {
		return fmt.Errorf("failed to open radio: %w", err)
	}

	// Create engine
	eng, err := engine.New(engineCfg, transport, console.NewReporter(conn))
	if err != nil {
		transport.Close()
		return fmt.Errorf("failed to create engine: %w", err)
	}

	m := metrics.New(metrics.DefaultConfig())
	eng.SetMetrics(m)
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.ListenAddr, eng.Serving); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if cfg.Health.ListenAddr != "" {
		hs := health.NewServer(health.DefaultConfig())
		if err := hs.Start(cfg.Health.ListenAddr); err != nil {
			eng.Stop()
			return err
		}
		defer hs.Stop()
		eng.SetHealth(hs)
	}

	// Start engine
	log.Printf("Starting RF Mesh Controller: node %d, %s radio", engineCfg.NodeID, engineCfg.TransportName)
	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	consoleDone := make(chan error, 1)
	go func() {
		consoleDone <- eng.ServeConsole(ctx, conn)
	}()

	// Wait for shutdown signal or the console going away
	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-consoleDone:
		if err != nil {
			log.Printf("Console closed: %v", err)
		} else {
			log.Println("Console closed, shutting down...")
		}
	}
	cancel()

	// Stop engine
	if err := eng.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := health.Check(ctx, healthAddr, healthScope)
	if err != nil {
		return err
	}
	fmt.Println(health.Format(resp))
	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
