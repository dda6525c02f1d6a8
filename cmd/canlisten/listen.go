package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/notnil/canlisten/canbus"
	"github.com/notnil/canlisten/internal/capture"
)

var (
	listenOpts struct {
		config        string
		iface         string
		channel       int
		bitrate       int
		appLabel      string
		fd            bool
		rc            map[string]string
		timeout       time.Duration
		record        string
		full          bool
		configureLink bool
	}

	listenCmd = &cobra.Command{
		Use:   "listen",
		Short: "Print frames received on a SocketCAN interface",
		Example: `  canlisten listen -i vcan0
  canlisten listen -c /etc/canlisten.yaml --record trace.cbor
  canlisten listen --rc interface=can1 --rc bitrate=250000 --full`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := listenConfig(cmd)
			if err != nil {
				return err
			}
			drv := canbus.SocketCAN{ConfigureLink: listenOpts.configureLink}
			return receive(cmd, drv, cfg, listenOpts.timeout, listenOpts.record, listenOpts.full)
		},
	}
)

func init() {
	f := listenCmd.Flags()
	f.StringVarP(&listenOpts.config, "config", "c", "", "YAML file with interface, channel, bitrate, app_label and fd")
	f.StringVarP(&listenOpts.iface, "interface", "i", "can0", "CAN network interface")
	f.IntVar(&listenOpts.channel, "channel", 0, "channel index on the interface")
	f.IntVarP(&listenOpts.bitrate, "bitrate", "b", 500000, "arbitration bitrate in bit/s")
	f.StringVar(&listenOpts.appLabel, "app-label", "", "session label shown in logs")
	f.BoolVar(&listenOpts.fd, "fd", false, "accept CAN FD frames")
	f.StringToStringVar(&listenOpts.rc, "rc", nil, "option in key=value form (interface, channel, bitrate, app_name, fd)")
	f.DurationVarP(&listenOpts.timeout, "timeout", "t", 0, "receive window; idle windows are logged at debug level")
	f.StringVar(&listenOpts.record, "record", "", "also record frames to this capture file")
	f.BoolVar(&listenOpts.full, "full", false, "print timestamp, identifier and flags, not only the payload")
	f.BoolVar(&listenOpts.configureLink, "configure-link", false, "apply the bitrate with iproute2 before listening (needs CAP_NET_ADMIN)")
}

// listenConfig merges, in increasing precedence, the flag defaults, the
// config file, explicitly set flags and --rc options.
func listenConfig(cmd *cobra.Command) (canbus.Config, error) {
	opts := map[string]any{
		"interface": listenOpts.iface,
		"channel":   listenOpts.channel,
		"bitrate":   listenOpts.bitrate,
		"app_label": listenOpts.appLabel,
		"fd":        listenOpts.fd,
	}
	if listenOpts.config != "" {
		file, err := canbus.LoadConfigMap(listenOpts.config)
		if err != nil {
			return canbus.Config{}, err
		}
		merge(opts, file)
	}
	flags := cmd.Flags()
	set := func(flag, key string, v any) {
		if flags.Changed(flag) {
			opts[key] = v
		}
	}
	set("interface", "interface", listenOpts.iface)
	set("channel", "channel", listenOpts.channel)
	set("bitrate", "bitrate", listenOpts.bitrate)
	set("app-label", "app_label", listenOpts.appLabel)
	set("fd", "fd", listenOpts.fd)
	rc := make(map[string]any, len(listenOpts.rc))
	for k, v := range listenOpts.rc {
		rc[k] = v
	}
	merge(opts, rc)
	return canbus.ConfigFromMap(opts)
}

// merge copies src over dst. app_name is folded into app_label so that a
// later source overrides an earlier one under either spelling.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if k == "app_name" {
			if _, ok := src["app_label"]; ok {
				continue
			}
			k = "app_label"
		}
		dst[k] = v
	}
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// receive opens cfg through drv and prints frames until interrupted, the
// driver runs out of frames or the bus faults. A bus fault is returned as
// an error.
func receive(cmd *cobra.Command, drv canbus.Driver, cfg canbus.Config, timeout time.Duration, record string, full bool) (err error) {
	logger := newLogger(cmd.ErrOrStderr())
	if verbose {
		drv = canbus.NewLoggedDriver(drv, logger, slog.LevelDebug, canbus.LogAll)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := canbus.Open(ctx, drv, cfg, canbus.WithLogger(logger))
	if err != nil {
		return err
	}
	defer h.Close()
	// Closing from the signal goroutine ends the stream with an external close.
	context.AfterFunc(ctx, func() { _ = h.Close() })

	out := cmd.OutOrStdout()
	handler := printer(out, cfg, full, logger)

	var recordErr error
	if record != "" {
		f, ferr := os.Create(record)
		if ferr != nil {
			return fmt.Errorf("record: %w", ferr)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("record: %w", cerr)
			}
		}()
		w, werr := capture.NewWriter(f, cfg)
		if werr != nil {
			return werr
		}
		handler = w.Handler(handler, &recordErr)
	}

	reason := canbus.Run(h, handler, canbus.WithTimeout(timeout), canbus.WithStreamLogger(logger))
	switch {
	case recordErr != nil:
		return recordErr
	case reason.Kind == canbus.StopBusFault:
		return reason.Err
	}
	logger.Info("canlisten stopped", "reason", reason.String())
	return nil
}

func printer(out io.Writer, cfg canbus.Config, full bool, logger *slog.Logger) canbus.Handler {
	return func(ev canbus.Event) canbus.Action {
		if ev.Idle {
			logger.Debug("canlisten idle")
			return canbus.Continue
		}
		f := ev.Frame
		if full {
			fmt.Fprintf(out, "(%s) %s %s\n", f.Timestamp.Format("15:04:05.000000"), cfg.Interface, f)
		} else {
			fmt.Fprintf(out, "% X\n", f.Data[:f.Len])
		}
		return canbus.Continue
	}
}
