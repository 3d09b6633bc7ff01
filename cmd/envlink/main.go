// envlink is an environmental telemetry agent. It samples a temperature
// and humidity source on a fixed cadence and publishes each reading to
// an MQTT broker over a WiFi link, which is either an ESP8266/ESP32
// co-processor speaking the AT command set on a serial port or the
// host's own network stack. An optional serial RFID reader reports tag
// detections on the same session.
//
// Usage:
//
//	envlink run                Start the agent loop
//	envlink probe              Bring the WiFi link up once and report the address
//	envlink init [dir]         Initialize a working directory with defaults
//	envlink decode <payload>   Parse a published payload
//	envlink version            Print version and build information
//	envlink -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/envlink/internal/agent"
	"github.com/nugget/envlink/internal/buildinfo"
	"github.com/nugget/envlink/internal/config"
	"github.com/nugget/envlink/internal/link"
	"github.com/nugget/envlink/internal/link/espat"
	"github.com/nugget/envlink/internal/metrics"
	"github.com/nugget/envlink/internal/sensor"
	"github.com/nugget/envlink/internal/serial"
	"github.com/nugget/envlink/internal/session"
	"github.com/nugget/envlink/internal/telemetry"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the envlink command. args is
// os.Args[1:]. Arguments are parsed by hand; the flag package's global
// state gets in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runAgent(ctx, stdout, configPath)
	case "probe":
		return runProbe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "decode":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: envlink decode <payload>")
		}
		return runDecode(stdout, outputFmt, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runDecode parses a telemetry payload and prints its fields.
func runDecode(w io.Writer, outputFmt, payload string) error {
	r, err := telemetry.Decode([]byte(payload))
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"temperature": r.Temperature,
			"humidity":    r.Humidity,
			"timestamp":   r.Timestamp,
			"valid":       r.Valid(),
		})
	}
	fmt.Fprintf(w, "temperature: %.1f\n", r.Temperature)
	fmt.Fprintf(w, "humidity:    %.1f\n", r.Humidity)
	fmt.Fprintf(w, "timestamp:   %d\n", r.Timestamp)
	if !r.Valid() {
		fmt.Fprintln(w, "warning: reading would be rejected by the encoder")
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "envlink - environmental telemetry over WiFi and MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: envlink [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run              Start the agent loop")
	fmt.Fprintln(w, "  probe            Bring the WiFi link up once and print the address")
	fmt.Fprintln(w, "  init [dir]       Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  decode <payload> Parse a telemetry payload")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/envlink/config.yaml, /etc/envlink/config.yaml")
	return nil
}

// runProbe initializes the co-processor, associates once with the
// configured retry policy and prints the station address.
func runProbe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}

	lm := link.New(radioOpener(cfg, logger), logger)
	defer lm.Close()

	lc := cfg.LinkConfig()
	if err := lm.Initialize(ctx, lc); err != nil {
		return err
	}
	if err := lm.Associate(ctx, lc, cfg.WiFi.Attempts, cfg.WiFi.RetryDelay); err != nil {
		return err
	}
	addr, _ := lm.LocalAddress()
	fmt.Fprintf(stdout, "associated with %q, address %s\n", cfg.WiFi.SSID, addr)
	return nil
}

// runAgent is the primary operating mode: it wires the link, session,
// sensor and optional RFID reader and metrics endpoint into the agent
// loop, and blocks until SIGINT or SIGTERM.
func runAgent(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"site_id", cfg.SiteID,
		"driver", cfg.WiFi.Driver,
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"sensor", cfg.Sensor.Kind,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Link ---
	lm := link.New(radioOpener(cfg, logger), logger)
	defer lm.Close()

	// --- Broker session ---
	clientID := cfg.Broker.ClientID
	if clientID == session.ClientIDAuto {
		clientID, err = session.LoadOrCreateClientID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load client id: %w", err)
		}
		logger.Info("client id loaded", "client_id", clientID)
	}
	sm := session.New(cfg.SessionConfig(clientID), lm, &session.PahoBroker{Logger: logger}, logger)

	// --- Sensor ---
	src, err := openSource(cfg, logger)
	if err != nil {
		return err
	}

	// --- RFID ---
	var tags sensor.TagReader
	if cfg.RFID.Device != "" {
		port, err := serial.Open(cfg.RFID.Device, cfg.RFID.BaudRate)
		if err != nil {
			return fmt.Errorf("open rfid reader %s: %w", cfg.RFID.Device, err)
		}
		reader := sensor.NewLineTagReader(cfg.RFID.Label, port, logger)
		defer reader.Close()
		tags = reader
		logger.Info("rfid reader attached", "device", cfg.RFID.Device, "label", cfg.RFID.Label)
	}

	// --- Metrics ---
	var m *metrics.Collectors
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, reg, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	loop := agent.New(agent.Config{
		SiteID:              cfg.SiteID,
		Link:                cfg.LinkConfig(),
		AssociateAttempts:   cfg.WiFi.Attempts,
		AssociateRetryDelay: cfg.WiFi.RetryDelay,
		SampleInterval:      cfg.Agent.SampleInterval,
		HardwarePolicy:      agent.HardwarePolicy(cfg.Agent.HardwarePolicy),
		PublishTags:         cfg.RFID.Publish,
	}, lm, sm, src, tags, m, agent.NewDailyCounters(cfg.Location()), logger)

	if err := loop.Run(ctx); err != nil {
		return err
	}
	logger.Info("envlink stopped")
	return nil
}

// setup loads the configuration and builds the configured logger.
func setup(stdout io.Writer, configPath string) (*config.Config, string, *slog.Logger, error) {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting envlink", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, cfgPath, nil, err
	}

	// Already validated by config.Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return cfg, cfgPath, newLogger(stdout, level, cfg.LogFormat), nil
}

// radioOpener returns the [link.Opener] for the configured driver.
func radioOpener(cfg *config.Config, logger *slog.Logger) link.Opener {
	if cfg.WiFi.Driver == config.DriverHost {
		return link.OpenHost
	}
	return func(lc link.Config) (link.Radio, error) {
		port, err := serial.Open(lc.Serial.Device, lc.Serial.BaudRate)
		if err != nil {
			return nil, err
		}
		return espat.New(port, logger.With("component", "espat")), nil
	}
}

// openSource builds the configured measurement source.
func openSource(cfg *config.Config, logger *slog.Logger) (sensor.Source, error) {
	switch cfg.Sensor.Kind {
	case config.SensorIIO:
		dir, err := sensor.FindIIO(sensor.DefaultIIORoot, cfg.Sensor.IIODevice)
		if err != nil {
			return nil, fmt.Errorf("sensor: %w", err)
		}
		logger.Info("iio sensor found", "dir", dir)
		return &sensor.IIO{Dir: dir, Logger: logger}, nil
	default:
		sim := sensor.NewSimulated(cfg.Sensor.StartTemp, cfg.Sensor.StartHumidity, cfg.Sensor.Seed)
		sim.FailureRate = cfg.Sensor.FailureRate
		return sim, nil
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
