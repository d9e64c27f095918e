package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shadowcap/recorder/internal/capture"
	"github.com/shadowcap/recorder/internal/config"
	"github.com/shadowcap/recorder/internal/control"
	"github.com/shadowcap/recorder/internal/framesource"
	"github.com/shadowcap/recorder/internal/logging"
	"github.com/shadowcap/recorder/internal/muxer"
	"github.com/shadowcap/recorder/internal/shadow"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "shadowrecd",
	Short: "ShadowRec continuous screen recorder daemon",
	Long:  `shadowrecd continuously captures desktop video and system audio into a rolling buffer and writes a clip to disk on demand.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the recorder",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shadowrecd v%s\n", version)
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the configuration file without starting the recorder",
	Run: func(cmd *cobra.Command, args []string) {
		validateConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: platform config dir, then ./shadowrecd.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, 0, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}

func validateConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config OK: encoder=%s quality=%s max_seconds=%d target_fps=%d use_mic=%v\n",
		cfg.Encoder, cfg.Quality, cfg.MaxSeconds, cfg.TargetFPS, cfg.UseMic)
}

// runDaemon wires the frame source, orchestrator, and control-plane server
// together and runs until a shutdown signal arrives.
func runDaemon() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	quality, ok := capture.ParseQuality(cfg.Quality)
	if !ok {
		log.Warn("unrecognized quality in validated config, falling back to medium", "quality", cfg.Quality)
		quality = capture.QualityMedium
	}

	source := framesource.New()
	clipMux := muxer.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, err := shadow.New(ctx, source, clipMux, shadow.Params{
		Encoder:    cfg.Encoder,
		Quality:    quality,
		MaxSeconds: cfg.MaxSeconds,
		TargetFPS:  cfg.TargetFPS,
		OutputDir:  cfg.WorkDir,
	})
	if err != nil {
		log.Error("failed to initialize recorder", "error", err)
		os.Exit(1)
	}

	source.SetSavingGate(orch.IsSaving)

	orch.ConfigPolicy = func(payload control.UpdateConfigPayload) error {
		return applyConfigUpdate(cfg, payload)
	}
	orch.ModePolicy = func(payload control.ChangeModePayload) error {
		log.Info("change_mode received (out of core scope, policy only)", "mode", payload.Mode)
		return nil
	}

	orch.Start()
	log.Info("recorder started", "encoder", cfg.Encoder, "quality", cfg.Quality, "max_seconds", cfg.MaxSeconds)

	srv := control.NewServer(cfg.ControlSocketPath, orch)
	go func() {
		if err := srv.Serve(); err != nil {
			log.Error("control server exited", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received, completing any in-flight save before stopping")
	srv.Close()
	orch.Shutdown()
	log.Info("recorder stopped")
}

// applyConfigUpdate persists an update_config command to disk. Encoder
// variant, quality, and window size take effect on the recorder's next
// restart rather than hot-swapping the live encoders; an update never
// applies mid-GOP.
func applyConfigUpdate(cfg *config.Config, payload control.UpdateConfigPayload) error {
	if payload.Encoder != "" {
		cfg.Encoder = payload.Encoder
	}
	if payload.MaxSeconds != 0 {
		cfg.MaxSeconds = payload.MaxSeconds
	}
	if payload.Quality != "" {
		cfg.Quality = payload.Quality
	}
	if payload.UseMic != nil {
		cfg.UseMic = *payload.UseMic
	}

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("update_config validation", "error", w)
	}
	if result.HasFatals() {
		return fmt.Errorf("update_config: %v", result.Fatals[0])
	}

	if err := config.SaveTo(cfg, cfgFile); err != nil {
		return fmt.Errorf("update_config: save: %w", err)
	}
	log.Info("configuration updated, takes effect on next restart")
	return nil
}
