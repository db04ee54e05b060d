// Command daxmon streams DAX I/Q from a FlexRadio 6000-series radio and
// serves live spectral telemetry over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/k3wko/daxmon/internal/config"
	"github.com/k3wko/daxmon/internal/discovery"
	"github.com/k3wko/daxmon/internal/logging"
	"github.com/k3wko/daxmon/internal/pipeline"
	"github.com/k3wko/daxmon/internal/session"
	"github.com/k3wko/daxmon/internal/telemetry"
	"github.com/k3wko/daxmon/internal/vita"
)

var rootCmd = &cobra.Command{
	Use:          "daxmon",
	Short:        "DAX I/Q spectral monitor for FlexRadio 6000-series radios",
	SilenceUsage: true,
}

var (
	discoverPort int
	discoverWait int
	discoverMDNS bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Listen for radio announcements and print what answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDiscover()
	},
}

var (
	cfgPath       string
	flagAddress   string
	flagSerial    string
	flagChannel   int
	flagRate      int
	flagFreqMHz   float64
	flagFormat    string
	flagListen    string
	flagBind      string
	flagNoBind    bool
	flagMinVer    string
	flagMDNS      bool
	flagLogLevel  string
	flagLogFormat string
	flagStats     time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream DAX I/Q from a radio and serve spectral telemetry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(cmd)
	},
}

func init() {
	discoverCmd.Flags().IntVar(&discoverPort, "port", config.DefaultDiscoveryPort, "UDP discovery port")
	discoverCmd.Flags().IntVar(&discoverWait, "wait", config.DefaultDiscoveryTimeoutSec, "seconds to collect announcements")
	discoverCmd.Flags().BoolVar(&discoverMDNS, "mdns", false, "also query mDNS/DNS-SD")
	rootCmd.AddCommand(discoverCmd)

	f := monitorCmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")
	f.StringVar(&flagAddress, "radio", "", "radio address host[:port], skips discovery")
	f.StringVar(&flagSerial, "serial", "", "select the radio with this serial")
	f.IntVar(&flagChannel, "channel", 0, "DAX IQ channel (1-4)")
	f.IntVar(&flagRate, "rate", 0, "IQ sample rate in Hz (24000, 48000, 96000, 192000)")
	f.Float64Var(&flagFreqMHz, "freq", 0, "center frequency in MHz for the assigned slice")
	f.StringVar(&flagFormat, "format", "", "IQ sample format (int16 or float32)")
	f.StringVar(&flagListen, "listen", "", "telemetry HTTP listen address")
	f.StringVar(&flagBind, "bind", "", "GUI client UUID to bind to")
	f.BoolVar(&flagNoBind, "no-bind", false, "run unbound, without following a GUI client")
	f.StringVar(&flagMinVer, "min-version", "", "refuse radios with firmware older than this")
	f.BoolVar(&flagMDNS, "mdns", false, "also discover over mDNS/DNS-SD")
	f.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&flagLogFormat, "log-format", "", "log format (text or json)")
	f.DurationVar(&flagStats, "stats", 10*time.Second, "interval between stats log lines, 0 disables")
	rootCmd.AddCommand(monitorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDiscover() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := discovery.Discover(ctx, discovery.Options{
		Port:    discoverPort,
		Timeout: time.Duration(discoverWait) * time.Second,
		MDNS:    discoverMDNS,
		Logger:  logging.New(logging.Warn, logging.Text, os.Stderr),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tSERIAL\tADDRESS\tVERSION\tNICKNAME\tSOURCE")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Model, rec.Serial, rec.Addr(), rec.Version, rec.Nickname, rec.Source)
	}
	return w.Flush()
}

func runMonitor(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	lvl, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logFmt, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	log := logging.New(lvl, logFmt, os.Stderr)

	sampleFormat, err := vita.ParseSampleFormat(cfg.Stream.Format)
	if err != nil {
		return err
	}

	store := telemetry.NewStore(storeConfig(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := telemetry.NewServer(cfg.Telemetry.Listen, store, log)
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Error("telemetry server", logging.F("error", err))
		}
	}()

	sess, err := session.Start(ctx, session.Options{
		Address:        cfg.Radio.Address,
		Serial:         cfg.Radio.Serial,
		DiscoveryPort:  cfg.Radio.DiscoveryPort,
		DiscoveryWait:  time.Duration(cfg.Radio.DiscoveryTimeoutSec) * time.Second,
		MDNS:           cfg.Radio.MDNS,
		MinVersion:     cfg.Radio.MinVersion,
		BindClientID:   cfg.Radio.BindClientID,
		SkipBind:       flagNoBind,
		Channel:        cfg.Stream.Channel,
		SampleRate:     cfg.Stream.SampleRate,
		CenterHz:       cfg.Stream.CenterHz,
		Format:         sampleFormat,
		QueueDepth:     cfg.Stream.QueueDepth,
		CommandTimeout: time.Duration(cfg.Radio.CommandTimeoutSec) * time.Second,
		Analysis: pipeline.Config{
			FFTSize:         cfg.Analysis.FFTSize,
			Window:          cfg.Analysis.Window,
			Overlap:         cfg.Analysis.Overlap,
			FloorDB:         cfg.Analysis.FloorDB,
			RefDB:           cfg.Analysis.RefDB,
			NoiseMode:       pipeline.NoiseMode(cfg.Analysis.NoiseMode),
			NoiseAlpha:      cfg.Analysis.NoiseAlpha,
			NoisePercentile: cfg.Analysis.NoisePercentile,
		},
		Logger: log,
		Store:  store,
	})
	if err != nil {
		return err
	}
	defer sess.Stop()

	st := sess.Status()
	log.Info("monitor running",
		logging.F("radio", st.RadioAddr),
		logging.F("stream", st.StreamID),
		logging.F("listen", cfg.Telemetry.Listen))

	var tick <-chan time.Time
	if flagStats > 0 {
		ticker := time.NewTicker(flagStats)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("interrupt, shutting down")
			sess.Stop()
			return nil
		case <-sess.Done():
			sess.Stop()
			if st := sess.Status(); st.State == telemetry.StateError && st.Error != "" {
				return errors.New(st.Error)
			}
			return nil
		case <-tick:
			c := store.Counters().Snapshot()
			log.Info("stats",
				logging.F("packets", c.PacketsReceived),
				logging.F("frames", c.FramesProduced),
				logging.F("dropped", c.PacketsDropped),
				logging.F("gaps", c.SequenceGaps),
				logging.F("evictions", c.QueueEvictions))
		}
	}
}

func loadConfig() (config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	return config.Load(cfgPath)
}

// applyFlags lays explicitly set command line flags over the file config.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("radio") {
		cfg.Radio.Address = flagAddress
	}
	if set("serial") {
		cfg.Radio.Serial = flagSerial
	}
	if set("bind") {
		cfg.Radio.BindClientID = flagBind
	}
	if set("min-version") {
		cfg.Radio.MinVersion = flagMinVer
	}
	if set("mdns") {
		cfg.Radio.MDNS = flagMDNS
	}
	if set("channel") {
		cfg.Stream.Channel = flagChannel
	}
	if set("rate") {
		cfg.Stream.SampleRate = flagRate
	}
	if set("freq") {
		cfg.Stream.CenterHz = flagFreqMHz * 1e6
	}
	if set("format") {
		cfg.Stream.Format = flagFormat
	}
	if set("listen") {
		cfg.Telemetry.Listen = flagListen
	}
	if set("log-level") {
		cfg.Logging.Level = flagLogLevel
	}
	if set("log-format") {
		cfg.Logging.Format = flagLogFormat
	}
}

// storeConfig sizes the ring buffers so the spectrogram holds the configured
// number of seconds at the configured frame rate.
func storeConfig(cfg config.Config) telemetry.StoreConfig {
	hop := int(float64(cfg.Analysis.FFTSize) * (1 - cfg.Analysis.Overlap))
	if hop < 1 {
		hop = 1
	}
	fps := cfg.Stream.SampleRate / hop
	if fps < 1 {
		fps = 1
	}
	return telemetry.StoreConfig{
		SpectrogramDepth: cfg.Analysis.HistorySec * fps,
		EnergyDepth:      cfg.Analysis.HistorySec * fps,
	}
}
