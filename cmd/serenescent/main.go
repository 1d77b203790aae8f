package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/serenescent/internal/ble"
	"github.com/chaz8081/serenescent/internal/ble/protocol"
	"github.com/chaz8081/serenescent/internal/config"
	"github.com/chaz8081/serenescent/internal/device"
	"github.com/chaz8081/serenescent/internal/mqttbridge"
	"github.com/chaz8081/serenescent/internal/session"
)

type oneShot struct {
	power     string
	intensity string
	color     string
	schedule  string
	status    bool
}

func (o oneShot) requested() bool {
	return o.power != "" || o.intensity != "" || o.color != "" || o.schedule != "" || o.status
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/serenescent/config.yaml)")
	envPath := flag.String("env", ".env", "optional dotenv file with SERENESCENT_* overrides")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")

	var shot oneShot
	flag.StringVar(&shot.power, "power", "", "set power: on or off")
	flag.StringVar(&shot.intensity, "intensity", "", "set intensity: low, medium or high")
	flag.StringVar(&shot.color, "color", "", "set light color (e.g. red, off)")
	flag.StringVar(&shot.schedule, "schedule", "", "enable or disable the schedule: on or off")
	flag.BoolVar(&shot.status, "status", false, "print the device state and exit")
	keepMode := flag.Bool("keep-mode", false, "fail instead of leaving schedule mode for power/intensity/color")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init-config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	cfg, err := loadConfig(*configPath, *envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := ble.NewTransport(ble.NewTinyGoAdapter(), cfg.Device.Address)
	s := session.New(transport, cfg.SessionOptions(logger))
	defer s.Close()

	if shot.requested() {
		if err := runOneShot(ctx, s, shot, *keepMode); err != nil {
			s.Close()
			log.Fatalf("%v", err)
		}
		return
	}

	printBanner(cfg)
	if err := runDaemon(ctx, s, cfg, logger); err != nil {
		s.Close()
		log.Fatalf("%v", err)
	}
	slog.Info("Goodbye!")
}

// loadConfig loads the config file (or defaults) and layers the dotenv file
// and environment on top.
func loadConfig(path, envPath string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	env, err := config.ReadEnv(envPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(env)
	return cfg, nil
}

func runOneShot(ctx context.Context, s *session.Session, shot oneShot, keepMode bool) error {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var opts []session.IntentOption
	if keepMode {
		opts = append(opts, session.KeepMode())
	}

	var calls []*session.Call
	submit := func(what string, c *session.Call, err error) error {
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		calls = append(calls, c)
		return nil
	}

	if shot.schedule != "" {
		on, err := parseOnOff(shot.schedule)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		c, err := s.SetSchedule(on)
		if err := submit("schedule", c, err); err != nil {
			return err
		}
	}
	if shot.power != "" {
		on, err := parseOnOff(shot.power)
		if err != nil {
			return fmt.Errorf("power: %w", err)
		}
		c, err := s.SetPower(on, opts...)
		if err := submit("power", c, err); err != nil {
			return err
		}
	}
	if shot.intensity != "" {
		level, err := protocol.ParseIntensity(shot.intensity)
		if err != nil {
			return err
		}
		c, err := s.SetIntensity(level, opts...)
		if err := submit("intensity", c, err); err != nil {
			return err
		}
	}
	if shot.color != "" {
		col, err := protocol.ParseColor(shot.color)
		if err != nil {
			return err
		}
		c, err := s.SetColor(col, opts...)
		if err := submit("color", c, err); err != nil {
			return err
		}
	}

	var failed error
	for _, c := range calls {
		if err := c.Wait(ctx); err != nil {
			failed = errors.Join(failed, err)
		}
	}
	if failed != nil {
		return failed
	}

	if shot.status || len(calls) > 0 {
		printState(s.State())
	}
	return nil
}

func runDaemon(ctx context.Context, s *session.Session, cfg *config.Config, logger *slog.Logger) error {
	if err := s.Connect(ctx); err != nil {
		// Auto-reconnect keeps trying in the background.
		slog.Warn("[SESSION] initial connect failed", "err", err)
	}

	if !cfg.MQTT.Enabled {
		events, unsubscribe := s.Subscribe()
		defer unsubscribe()
		slog.Info("Ready! Ctrl+C to quit.")
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				logEvent(s, ev)
			}
		}
	}

	topics := mqttbridge.Topics{Prefix: cfg.MQTT.TopicPrefix, DeviceID: cfg.DeviceID()}
	client, err := mqttbridge.Dial(mqttbridge.ClientConfig{
		Broker:    cfg.MQTT.Broker,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		WillTopic: topics.Availability(),
		QoS:       cfg.MQTT.QoS,
	}, logger)
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer client.Close()

	bridge := mqttbridge.New(client, mqttbridge.FromSession(s), mqttbridge.Options{
		Topics: topics,
		QoS:    cfg.MQTT.QoS,
		Retain: cfg.MQTT.Retain,
		Logger: logger,
	})
	client.SetOnConnect(bridge.Resync)

	slog.Info("Ready! Ctrl+C to quit.", "state_topic", topics.State())
	return bridge.Run(ctx)
}

func logEvent(s *session.Session, ev session.Event) {
	switch ev.Kind {
	case session.EventConnection:
		if ev.Err != nil {
			slog.Warn("[SESSION] connection", "state", ev.Conn, "err", ev.Err)
			return
		}
		slog.Info("[SESSION] connection", "state", ev.Conn)
	case session.EventState:
		st := s.State()
		slog.Info("[SESSION] state",
			"power", st.Power,
			"intensity", st.Intensity,
			"color", st.Color,
			"schedule", st.ScheduleEnabled,
			"mode", st.Mode,
		)
	}
}

func parseOnOff(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%q is not on or off", v)
	}
}

func printState(st device.State) {
	if !st.Known {
		fmt.Println("State unknown")
		return
	}
	fmt.Printf("  Power:     %s\n", onOff(st.Power))
	fmt.Printf("  Intensity: %s\n", st.Intensity)
	fmt.Printf("  Color:     %s\n", st.Color)
	fmt.Printf("  Schedule:  %s\n", onOff(st.ScheduleEnabled))
	fmt.Printf("  Mode:      %s\n", st.Mode)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== serenescent ===")
	fmt.Printf("  Device:  %s\n", cfg.Device.Address)
	fmt.Printf("  Poll:    every %s\n", cfg.Session.PollInterval)
	if cfg.MQTT.Enabled {
		fmt.Printf("  MQTT:    %s (%s/%s)\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix, cfg.DeviceID())
	} else {
		fmt.Println("  MQTT:    disabled")
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("===================")
}
