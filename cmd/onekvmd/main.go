// Command onekvmd is the IP-KVM daemon: it owns the USB gadget, the video
// capture and encode pipeline, and the HID/MSD/ATX controllers, and serves
// them over HTTP/WebSocket (internal/api).
//
// Grounded on the teacher's cmd/breeze-agent/main.go: a cobra root command
// with a "run" subcommand, a package-level log rebound after logging.Init,
// and a drain-then-stop shutdown sequence on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mofeng-git/one-kvm/internal/api"
	"github.com/mofeng-git/one-kvm/internal/auth"
	"github.com/mofeng-git/one-kvm/internal/capture"
	"github.com/mofeng-git/one-kvm/internal/config"
	"github.com/mofeng-git/one-kvm/internal/deviceinfo"
	"github.com/mofeng-git/one-kvm/internal/encoder"
	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/health"
	"github.com/mofeng-git/one-kvm/internal/logging"
	"github.com/mofeng-git/one-kvm/internal/mjpeg"
	"github.com/mofeng-git/one-kvm/internal/pipeline"
	"github.com/mofeng-git/one-kvm/internal/privilege"
	"github.com/mofeng-git/one-kvm/internal/store"
	"github.com/mofeng-git/one-kvm/internal/webrtc"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "onekvmd",
	Short: "One-KVM daemon",
	Long:  "onekvmd captures a target's video and drives its keyboard, mouse, mass storage, and power buttons over USB.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("onekvmd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "bootstrap config file (default /etc/one-kvm/onekvmd.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from the bootstrap config. Call
// before anything else logs.
func initLogging(b config.Bootstrap) *logging.RotatingWriter {
	var output io.Writer = os.Stdout
	var rw *logging.RotatingWriter
	if b.LogFile != "" {
		var err error
		rw, err = logging.NewRotatingWriter(b.LogFile, 50, 3)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", b.LogFile, err)
			rw = nil
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}
	logging.Init(b.LogFormat, b.LogLevel, output)
	log = logging.L("main")
	return rw
}

func runDaemon() {
	boot, err := config.LoadBootstrap(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load bootstrap config: %v\n", err)
		os.Exit(1)
	}
	logRotator := initLogging(boot)
	log.Info("starting onekvmd", "version", version, "listen", boot.ListenAddr)
	if !privilege.IsRunningAsRoot() {
		log.Warn("onekvmd is not running as root; gadget configfs, /dev/hidg*, and GPIO chip binds will likely fail with EACCES")
	}

	db, err := store.Open(boot.DBPath)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	bus := eventbus.New()
	defer bus.Close()

	cfgStore, err := config.Open(db, bus)
	if err != nil {
		log.Error("open config store", "error", err)
		os.Exit(1)
	}
	cfg := cfgStore.Get()

	authSvc := auth.NewService(db)
	healthMon := health.NewMonitor(bus)

	registry := encoder.New()
	registry.Probe()

	capturer := capture.NewCapturer(bus, healthMon)
	if cfg.Video.Device != "" {
		if err := capturer.Start(context.Background(), capture.Config{
			Device:     cfg.Video.Device,
			Width:      uint32(cfg.Video.Width),
			Height:     uint32(cfg.Video.Height),
			FPS:        uint32(cfg.Video.FPS),
			FourCC:     cfg.Video.PixelFormat,
			NumBuffers: uint32(cfg.Video.NumBuffers),
		}); err != nil {
			log.Warn("capture start failed, continuing without video until reconfigured", "error", err)
		}
	} else {
		log.Warn("no video device configured; capture stays idle until /config/video is set")
	}
	defer capturer.Stop()

	pl := pipeline.NewPipeline(bus, registry, capturer, pipeline.Dimensions{
		Width:  cfg.Video.Width,
		Height: cfg.Video.Height,
		FPS:    cfg.Video.FPS,
	})

	mjpegDist := mjpeg.New(bus)
	bridge := newMJPEGBridge(capturer, mjpegDist)
	go bridge.run()
	defer bridge.stop()

	gw := buildGadget(cfg)
	if gw != nil {
		defer func() {
			if gw.Bound() {
				if err := gw.Unbind(); err != nil {
					log.Warn("gadget unbind", "error", err)
				}
			}
		}()
	}

	hidCtl := buildHIDController(cfg, bus, healthMon, gw)
	ledCtx, cancelLED := context.WithCancel(context.Background())
	go hidCtl.RunLEDPoller(ledCtx, 100*time.Millisecond)
	defer cancelLED()

	msdCtl := buildMSDController(cfg, bus, gw)
	defer msdCtl.Close()
	atxCtl := buildATXController(cfg, bus)
	defer atxCtl.Close()

	webrtcMgr := webrtc.NewManager(bus, pl, registry, hidCtl)
	defer webrtcMgr.CloseAll()

	deviceAgg := deviceinfo.New(bus, deviceinfo.Sources{
		Video: capturer,
		HID:   hidCtl,
		MSD:   msdCtl,
		ATX:   atxCtl,
	})
	go deviceAgg.Run()
	defer deviceAgg.Stop()

	deps := api.Deps{
		Bus:          bus,
		Config:       cfgStore,
		DB:           db,
		Auth:         authSvc,
		Gadget:       gw,
		Capture:      capturer,
		Registry:     registry,
		Pipeline:     pl,
		MJPEG:        mjpegDist,
		WebRTC:       webrtcMgr,
		HID:          hidCtl,
		MSD:          msdCtl,
		ATX:          atxCtl,
		Health:       healthMon,
		Device:       deviceAgg,
		CookieSecure: false,
	}
	srv := api.New(deps)

	httpSrv := &http.Server{
		Addr:    boot.ListenAddr,
		Handler: srv.Routes(),
	}

	go func() {
		log.Info("listening", "addr", boot.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if logRotator != nil {
				if err := logRotator.Reopen(); err != nil {
					log.Warn("log rotation on SIGHUP failed", "error", err)
				} else {
					log.Info("log file rotated on SIGHUP")
				}
			}
			continue
		}
		break
	}
	log.Info("shutting down onekvmd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", "error", err)
	}

	log.Info("onekvmd stopped")
}
