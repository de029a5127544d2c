package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/deskbridge/internal/ble"
	"github.com/chaz8081/deskbridge/internal/bridge"
	"github.com/chaz8081/deskbridge/internal/config"
	"github.com/chaz8081/deskbridge/internal/desk"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/deskbridge/config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	setupLogging(cfg.LogLevel)
	printBanner(cfg)

	// BLE session against the system adapter
	hw := ble.NewBlueZHardware()
	session := ble.NewSession(hw, ble.SessionOptions{
		ServiceUUID:  desk.ControlServiceUUID,
		PeripheralID: cfg.Desk.Address,
	})

	deskCfg := desk.DefaultConfig()
	deskCfg.MinHeightMM = cfg.Desk.MinHeightMM
	deskCfg.MaxHeightMM = cfg.Desk.MaxHeightMM
	deskCfg.ToleranceMM = cfg.Desk.MoveToleranceMM
	d := desk.New(session, deskCfg)

	// MQTT bridge
	b := bridge.New(d, bridge.Options{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	})

	// Reconnect notifications feed the supervision loop below; the
	// connection state itself is mirrored to MQTT.
	reconnect := make(chan struct{}, 1)
	d.OnState(b.PublishState)
	d.OnConnection(func(up bool) {
		b.PublishConnection(up)
		if !up {
			select {
			case reconnect <- struct{}{}:
			default:
			}
		}
	})

	if err := b.Start(); err != nil {
		log.Fatalf("mqtt: %v", err)
	}
	log.Printf("MQTT bridge ready (%s, prefix: %s)", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)

	ctx, cancel := context.WithCancel(context.Background())

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go supervise(ctx, d, reconnect)

	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)
	cancel()
	b.Close()
	if err := d.Close(); err != nil {
		log.Printf("desk close: %v", err)
	}
	log.Println("Goodbye!")
}

// supervise keeps the desk connected, reconnecting with exponential
// backoff after failures and whenever the BLE link drops.
func supervise(ctx context.Context, d *desk.Desk, reconnect <-chan struct{}) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, 30)
			log.Printf("Reconnecting in %s...", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		log.Println("Connecting to desk...")
		if err := d.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("ERROR: desk connect: %v", err)
			continue
		}
		log.Println("Desk connected")
		attempt = 0

		select {
		case <-ctx.Done():
			return
		case <-reconnect:
			log.Println("Desk disconnected")
		}
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	addr := cfg.Desk.Address
	if addr == "" {
		addr = "(discover by service)"
	}
	fmt.Println("=== deskbridge ===")
	fmt.Printf("  Desk:    %s\n", addr)
	fmt.Printf("  Range:   %.0f-%.0fmm (tolerance %.0fmm)\n", cfg.Desk.MinHeightMM, cfg.Desk.MaxHeightMM, cfg.Desk.MoveToleranceMM)
	fmt.Printf("  Broker:  %s (client: %s)\n", cfg.MQTT.Broker, cfg.MQTT.ClientID)
	fmt.Printf("  Topics:  %s/#\n", cfg.MQTT.TopicPrefix)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
