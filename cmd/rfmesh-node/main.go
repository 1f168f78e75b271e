// RF Mesh Node
// Runs the wake cycle of a battery-powered button node
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agsys/rfmesh/internal/node"
	"github.com/agsys/rfmesh/internal/radio"
	"github.com/agsys/rfmesh/internal/radio/bridge"
)

// Config represents the configuration file structure
type Config struct {
	Node struct {
		ID           uint8  `yaml:"id"`
		RegisterPath string `yaml:"register_path"`
	} `yaml:"node"`

	Radio struct {
		Transport     string `yaml:"transport"` // sim or bridge
		Channel       *uint8 `yaml:"channel"`
		Bitrate       string `yaml:"bitrate"`
		PayloadLength *uint8 `yaml:"payload_length"`
		EventURL      string `yaml:"event_url"`
		CommandURL    string `yaml:"command_url"`
	} `yaml:"radio"`

	Timing struct {
		SettleTimeMs        int `yaml:"settle_time_ms"`
		CompletionTimeoutMs int `yaml:"completion_timeout_ms"`
		WakeIntervalMs      int `yaml:"wake_interval_ms"`
	} `yaml:"timing"`

	Logging struct {
		File string `yaml:"file"`
	} `yaml:"logging"`
}

var (
	configFile string
	logFile    string
	cycles     int
	rootCmd    = &cobra.Command{
		Use:   "rfmesh-node",
		Short: "RF Mesh button node",
		Long:  "Simulated low-power mesh node. Each run is one wake cycle ending in power-off.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run one wake cycle and power off",
		RunE:  runNode,
	}

	stateCmd = &cobra.Command{
		Use:   "state",
		Short: "Show the retained state",
		RunE:  showState,
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Clear the retained state so the next boot is cold",
		RunE:  resetState,
	}

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Run several wake cycles in one process",
		RunE:  simulate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/rfmesh/node.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file")
	simulateCmd.Flags().IntVarP(&cycles, "cycles", "n", 20, "Number of wake cycles")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(simulateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing file means defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

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

func registerPath(cfg *Config) string {
	if cfg.Node.RegisterPath != "" {
		return cfg.Node.RegisterPath
	}
	return "/var/lib/rfmesh/node.gpregret"
}

// nodeConfig maps the file onto the node defaults
func nodeConfig(cfg *Config) (node.Config, error) {
	nodeCfg := node.DefaultConfig()

	if cfg.Node.ID != 0 {
		nodeCfg.NodeID = cfg.Node.ID
	}
	if cfg.Radio.Channel != nil {
		nodeCfg.Radio.Channel = *cfg.Radio.Channel
	}
	if cfg.Radio.PayloadLength != nil {
		nodeCfg.Radio.PayloadLength = *cfg.Radio.PayloadLength
	}
	bitrate, err := radio.ParseBitrate(cfg.Radio.Bitrate)
	if err != nil {
		return nodeCfg, err
	}
	nodeCfg.Radio.Bitrate = bitrate

	if cfg.Timing.SettleTimeMs > 0 {
		nodeCfg.SettleTime = time.Duration(cfg.Timing.SettleTimeMs) * time.Millisecond
	}
	if cfg.Timing.CompletionTimeoutMs > 0 {
		nodeCfg.Link.CompletionTimeout = time.Duration(cfg.Timing.CompletionTimeoutMs) * time.Millisecond
	}
	return nodeCfg, nil
}

func openTransport(cfg *Config) (radio.Transport, error) {
	switch cfg.Radio.Transport {
	case "", "bridge":
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
	case "sim":
		return radio.NewSim("node"), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Radio.Transport)
	}
}

// prepare loads the config and opens the radio
func prepare() (*Config, node.Config, radio.Transport, func(), error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, node.Config{}, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	closeLog, err := setupLogging(cfg.Logging.File)
	if err != nil {
		return nil, node.Config{}, nil, nil, err
	}

	nodeCfg, err := nodeConfig(cfg)
	if err != nil {
		closeLog()
		return nil, node.Config{}, nil, nil, fmt.Errorf("invalid radio config: %w", err)
	}

	transport, err := openTransport(cfg)
	if err != nil {
		closeLog()
		return nil, node.Config{}, nil, nil, fmt.Errorf("failed to open radio: %w", err)
	}

	cleanup := func() {
		transport.Close()
		closeLog()
	}
	return cfg, nodeCfg, transport, cleanup, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, nodeCfg, transport, cleanup, err := prepare()
	if err != nil {
		return err
	}
	defer cleanup()

	// Subscriptions on the hub settle asynchronously
	time.Sleep(100 * time.Millisecond)

	power := node.NewProcessPower()
	power.BeforeOff(cleanup)

	m := node.New(nodeCfg, transport, node.NewFileRegister(registerPath(cfg)), power)
	if _, err := m.Run(); err != nil {
		return err
	}
	return nil
}

func showState(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := registerPath(cfg)
	raw, err := node.NewFileRegister(path).Load()
	if err != nil {
		return err
	}
	state := node.Unpack(raw)

	fmt.Printf("Register:   %s\n", path)
	fmt.Printf("Raw:        0x%02X\n", raw)
	fmt.Printf("Valid:      %v\n", state.Valid)
	fmt.Printf("Loop count: %d\n", state.LoopCount)
	fmt.Printf("Next boot:  %s\n", state.Next())
	return nil
}

func resetState(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := registerPath(cfg)
	if err := node.NewFileRegister(path).Clear(); err != nil {
		return err
	}
	fmt.Printf("Cleared %s\n", path)
	return nil
}

func simulate(cmd *cobra.Command, args []string) error {
	cfg, nodeCfg, transport, cleanup, err := prepare()
	if err != nil {
		return err
	}
	defer cleanup()

	interval := time.Second
	if cfg.Timing.WakeIntervalMs > 0 {
		interval = time.Duration(cfg.Timing.WakeIntervalMs) * time.Millisecond
	}

	time.Sleep(100 * time.Millisecond)

	register := node.NewFileRegister(registerPath(cfg))
	power := &node.CyclePower{}
	for i := 0; i < cycles; i++ {
		m := node.New(nodeCfg, transport, register, power)
		result, err := m.Run()
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i+1, err)
		}
		fmt.Printf("cycle %d: boot=%s %s announce=%v release=%v\n",
			i+1, result.Boot, result.State, errString(result.AnnounceErr), errString(result.ReleaseErr))

		if i < cycles-1 {
			time.Sleep(interval)
		}
	}

	log.Printf("Simulated %d wake cycles", power.Cycles)
	return nil
}

func errString(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
