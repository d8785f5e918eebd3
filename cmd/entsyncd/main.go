// Command entsyncd runs a standalone sync server with a small demo world, a
// metrics endpoint and a health endpoint. Real deployments embed the engine
// instead; this binary exists for local development and protocol testing.
package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entsync/entsync/pkg/config"
	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/health"
	"github.com/entsync/entsync/pkg/logger"
	"github.com/entsync/entsync/pkg/monitoring"
	"github.com/entsync/entsync/pkg/network"
	syncpkg "github.com/entsync/entsync/pkg/sync"
	"github.com/entsync/entsync/pkg/transport"
	"github.com/entsync/entsync/pkg/transport/tcp"
	"github.com/entsync/entsync/pkg/transport/ws"
)

const version = "0.3.0"

// Demo components synchronized by the development world.

// Position is a robot flange position in millimeters.
type Position struct {
	X float32
	Y float32
	Z float32
}

// RobotStatus mirrors the controller state of a demo robot.
type RobotStatus struct {
	State string
	Fault *string
}

// JogCommand nudges one axis of a controlled robot.
type JogCommand struct {
	Axis  string
	Delta float32
}

// ListRobots asks for the names of all demo robots.
type ListRobots struct{}

// RobotList answers ListRobots.
type RobotList struct {
	Robots []string
}

// SetRobotState changes the controller state of the demo robot.
type SetRobotState struct {
	State string
}

// SetRobotStateResult answers SetRobotState.
type SetRobotStateResult struct {
	OK bool
}

func main() {
	var (
		configPath   string
		listenAddr   string
		adminAddr    string
		transportKey string
		tickRate     int
	)

	root := &cobra.Command{
		Use:     "entsyncd",
		Short:   "Run a standalone entity sync server with a demo world",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.New()
			if configPath != "" {
				if err := cfg.MergeFile(configPath); err != nil {
					return err
				}
			}
			return run(cfg, configPath, listenAddr, adminAddr, transportKey, tickRate)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	root.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9400", "Address to listen for sync clients on")
	root.Flags().StringVar(&adminAddr, "admin", "127.0.0.1:9401", "Address for the metrics and health endpoints")
	root.Flags().StringVar(&transportKey, "transport", tcp.ProviderName, "Transport provider (tcp or websocket)")
	root.Flags().IntVar(&tickRate, "tick-rate", 60, "Simulation ticks per second")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath, listenAddr, adminAddr, transportKey string, tickRate int) error {
	log := logger.New("entsyncd", version)

	var provider transport.Provider
	switch transportKey {
	case tcp.ProviderName:
		provider = tcp.New()
	case ws.ProviderName:
		provider = ws.New()
	default:
		return fmt.Errorf("unknown transport %q", transportKey)
	}

	settings := transport.DefaultSettings()
	settings.MaxPacketLength = cfg.GetInt("network.max_packet_length", settings.MaxPacketLength)
	settings.ChannelCapacity = cfg.GetInt("network.channel_capacity", settings.ChannelCapacity)
	settings.ChannelWarningThreshold = cfg.GetInt("network.channel_warning_threshold", settings.ChannelWarningThreshold)

	syncSettings := syncSettingsFrom(cfg)

	metrics := monitoring.New()
	checker := health.NewChecker()

	net := network.New(provider, settings, log)
	net.SetMetrics(metrics)

	world := ecs.NewWorld()
	engine := syncpkg.NewEngine(world, net, syncSettings, log)
	engine.SetMetrics(metrics)

	buildDemoWorld(engine, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if addr := cfg.Get("network.listen_addr"); addr != "" {
		listenAddr = addr
	}
	if err := net.Listen(ctx, listenAddr); err != nil {
		return err
	}
	defer net.Stop()

	checker.RunCheck("listener", func() error { return nil })
	startAdminServer(adminAddr, metrics, checker, log)
	if configPath != "" {
		go watchConfigReloads(ctx, cfg, configPath, engine, log)
	}

	log.Info("Server running: (listen: %s, transport: %s, tick_rate: %d)", listenAddr, transportKey, tickRate)
	engine.Run(ctx, time.Second/time.Duration(tickRate))

	log.Info("Shutting down")
	return nil
}

// syncSettingsFrom builds engine settings from configuration, falling back
// to the defaults.
func syncSettingsFrom(cfg *config.Config) syncpkg.SyncSettings {
	settings := syncpkg.DefaultSyncSettings()
	if rate := cfg.GetFloat("sync.max_update_rate_hz", 0); rate > 0 {
		settings.MaxUpdateRateHz = &rate
	}
	settings.EnableMessageConflation = cfg.GetBool("sync.enable_message_conflation", settings.EnableMessageConflation)
	return settings
}

// watchConfigReloads re-reads the config file on SIGHUP. Changes to sync
// tunables apply live; changes to restart-bound keys (listen address,
// channel sizing) only log that a restart is needed.
func watchConfigReloads(ctx context.Context, cfg *config.Config, path string, engine *syncpkg.Engine, log *logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			old := cfg.GetAll()
			if err := cfg.MergeFile(path); err != nil {
				log.Error("Failed to reload config: (path: %s, error: %v)", path, err)
				continue
			}
			if cfg.RequiresRestart(old) {
				log.Warn("Config change touches restart-bound keys, restart to apply: (path: %s)", path)
				continue
			}
			engine.UpdateSettings(syncSettingsFrom(cfg))
			log.Info("Config reloaded: (path: %s)", path)
		}
	}
}

// buildDemoWorld registers the demo component set and spawns a robot with
// two controlled axes, plus a slow circular motion so observers see live
// updates.
func buildDemoWorld(engine *syncpkg.Engine, log *logger.Logger) {
	syncpkg.RegisterComponent[Position](engine)
	syncpkg.RegisterComponent[RobotStatus](engine)
	syncpkg.EnableControlArbiter(engine)
	engine.SetMutationAuthorizer(syncpkg.ControlScopedMutations())
	engine.SetTargetedAuthorizer(syncpkg.ControlScopedTargeted())

	world := engine.World()
	robot := world.Spawn()
	world.Insert(robot, "Position", Position{})
	world.Insert(robot, "RobotStatus", RobotStatus{State: "idle"})

	axisA := world.Spawn()
	axisB := world.Spawn()
	world.SetParent(axisA, robot)
	world.SetParent(axisB, robot)
	world.Insert(axisA, "Position", Position{X: 10})
	world.Insert(axisB, "Position", Position{X: -10})

	jogs := syncpkg.RegisterTargetedMessage[JogCommand](engine)
	engine.AddSystem(func(w *ecs.World) {
		for _, jog := range jogs.Drain() {
			v, ok := w.Get(jog.TargetEntity, "Position")
			if !ok {
				continue
			}
			pos := v.(Position)
			switch jog.Message.Axis {
			case "x":
				pos.X += jog.Message.Delta
			case "y":
				pos.Y += jog.Message.Delta
			case "z":
				pos.Z += jog.Message.Delta
			}
			w.Insert(jog.TargetEntity, "Position", pos)
		}
	})

	syncpkg.HandleRequests(engine, func(_ network.ConnectionID, _ ListRobots) RobotList {
		return RobotList{Robots: []string{"demo-robot"}}
	})

	// Clients caching robot state under the "robots" tag refetch when this
	// succeeds.
	syncpkg.HandleInvalidatingRequests(engine, func(_ network.ConnectionID, req SetRobotState) SetRobotStateResult {
		state := req.State
		if state == "" {
			state = "idle"
		}
		world.Insert(robot, "RobotStatus", RobotStatus{State: state})
		return SetRobotStateResult{OK: true}
	}, "robots")

	// A slow circular sweep on the robot flange keeps subscriptions busy.
	start := time.Now()
	engine.AddSystem(func(w *ecs.World) {
		elapsed := time.Since(start).Seconds()
		w.Insert(robot, "Position", Position{
			X: float32(100 * math.Cos(elapsed/4)),
			Y: float32(100 * math.Sin(elapsed/4)),
		})
	})

	log.Info("Demo world ready: (robot: %d, axes: %d/%d)", robot, axisA, axisB)
}

func startAdminServer(addr string, metrics *monitoring.Metrics, checker *health.Checker, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checker.Handler())

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Admin server failed: (error: %v)", err)
		}
	}()
	log.Info("Admin endpoints ready: (addr: %s)", addr)
}
