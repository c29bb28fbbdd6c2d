// Feeder Controller
// Main entry point for the fish feeder service
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/aquafeed/feeder-controller/internal/cloud"
	"github.com/aquafeed/feeder-controller/internal/engine"
	"github.com/aquafeed/feeder-controller/internal/hardware"
	"github.com/aquafeed/feeder-controller/internal/metrics"
	"github.com/aquafeed/feeder-controller/internal/storage"
	"github.com/aquafeed/feeder-controller/internal/telemetry"
)

const version = "0.3.0"

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "feeder-controller",
		Short: "Fish Feeder Controller",
		Long:  "Automatic fish feeder. Syncs feeder state with a remote store and drives the servo and turbidity sensor.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	checkCmd = &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print the effective settings",
		RunE:  checkConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Feeder Controller v%s\n", version)
		},
	}
)

// device is the hardware the engine drives
type device interface {
	engine.Actuator
	engine.Outputs
	engine.Sensor
	Close() error
}

func init() {
	flag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/feeder/controller.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	ec, err := cfg.engineConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Config %s OK\n", configFile)
	fmt.Printf("  device:          %s\n", cfg.Device.ID)
	fmt.Printf("  transport:       %s\n", cfg.Remote.Transport)
	fmt.Printf("  timer capacity:  %d (prefix %q)\n", ec.TimerCapacity, ec.Route.IDPrefix)
	fmt.Printf("  midnight policy: %s (mirror triggered %v)\n", ec.MidnightPolicy, ec.MirrorTriggered)
	fmt.Printf("  gpio:            %v (servo pin %d)\n", ec.GPIOEnabled, ec.ServoPin)
	fmt.Printf("  feed:            %d -> %d deg, hold %s\n", ec.FeedAngle, ec.StopAngle, ec.FeedHold)
	fmt.Printf("  turbidity:       threshold %d every %s\n", ec.TurbidityThreshold, ec.SensorInterval)
	fmt.Printf("  timezone:        %s\n", ec.Location)
	fmt.Printf("  queue offline:   %v\n", ec.QueueOffline)
	return nil
}

func runController(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cmd.Flags().Changed("v") {
		flag.Set("v", cfg.verbosity())
	}

	engineCfg, err := cfg.engineConfig()
	if err != nil {
		return fmt.Errorf("failed to build engine config: %w", err)
	}

	// Store goroutines start in Subscribe, after eng is assigned
	var eng *engine.Engine
	onWriteError := func(path string, err error) { eng.OnWriteError(path, err) }

	store, err := newStore(cfg, onWriteError)
	if err != nil {
		return fmt.Errorf("failed to create remote store: %w", err)
	}
	defer store.Close()

	hw, err := newDevice(cfg)
	if err != nil {
		return fmt.Errorf("failed to open hardware: %w", err)
	}
	defer hw.Close()

	var (
		db        *storage.DB
		recorders telemetry.Fanout
	)
	if cfg.Database.Path != "" {
		db, err = storage.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		recorders = append(recorders, db)
	}
	if cfg.Influx.URL != "" {
		influx, err := telemetry.NewInflux(cfg.influxConfig())
		if err != nil {
			return fmt.Errorf("failed to create influx writer: %w", err)
		}
		defer influx.Close()
		// The database sits ahead of influx in the fanout, so every feed
		// row exists before it is marked synced
		if db != nil {
			influx.TrackSync(db)
			n, err := influx.Backfill(time.Now())
			if err != nil {
				glog.Warningf("Influx backfill stopped after %d feeds: %v", n, err)
			} else if n > 0 {
				glog.Infof("Backfilled %d feeds to influx", n)
			}
		}
		recorders = append(recorders, influx)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := engine.Options{
		Actuator: hw,
		Outputs:  hw,
		Sensor:   hw,
		Metrics:  metrics.New(reg),
	}
	if len(recorders) > 0 {
		opts.Journal = recorders
	}
	if db != nil {
		opts.Outbox = db
	}

	// Create engine
	eng, err = engine.New(engineCfg, store, opts)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	var srv *metrics.Server
	if cfg.Metrics.Listen != "" {
		srv = metrics.NewServer(cfg.Metrics.Listen, reg, eng.Health)
		srv.Start()
	}

	// Set up signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	glog.Infof("Starting Feeder Controller v%s for device %s (%s transport)",
		version, cfg.Device.ID, cfg.Remote.Transport)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Wait for shutdown signal
	<-ctx.Done()
	glog.Infof("Shutdown requested")

	// Stop engine
	if err := eng.Stop(); err != nil {
		glog.Errorf("Error during shutdown: %v", err)
	}
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Stop(shutdownCtx); err != nil {
			glog.Errorf("Error stopping metrics server: %v", err)
		}
	}

	glog.Infof("Shutdown complete")
	return nil
}

func newStore(cfg *Config, onError cloud.WriteErrorHandler) (cloud.Store, error) {
	switch cfg.Remote.Transport {
	case "rtdb":
		return cloud.NewRTDBStore(cfg.rtdbConfig(onError))
	case "websocket":
		return cloud.NewWSStore(cfg.wsConfig(onError))
	case "mqtt":
		return cloud.NewMQTTStore(cfg.mqttConfig(onError))
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Remote.Transport)
	}
}

func newDevice(cfg *Config) (device, error) {
	if cfg.Hardware.Driver == "sim" {
		glog.Infof("Using simulated hardware")
		return hardware.NewSim(0), nil
	}
	return hardware.NewBoard(cfg.hardwareConfig())
}
