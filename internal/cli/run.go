package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/internal/config"
	"github.com/ChuLiYu/fractalpool/internal/controller"
	"github.com/ChuLiYu/fractalpool/internal/discovery"
	"github.com/ChuLiYu/fractalpool/internal/history"
	"github.com/ChuLiYu/fractalpool/internal/metrics"
	"github.com/ChuLiYu/fractalpool/internal/registry"
	"github.com/ChuLiYu/fractalpool/internal/transport"
)

// runKeys maps the run flags to configuration keys.
var runKeys = map[string]string{
	"sessions":             "sessions.count",
	"width":                "image.width",
	"height":               "image.height",
	"config-dir":           "image.config_dir",
	"send-timeout":         "sessions.send_timeout",
	"recv-timeout":         "sessions.recv_timeout",
	"max-retries":          "sessions.max_retries",
	"inter-image-time":     "image.inter_image_time",
	"image-storage-prefix": "image.storage_prefix",
	"images":               "image.count",
	"metrics":              "metrics.enabled",
	"metrics-port":         "metrics.port",
	"history":              "history.path",
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start calculating images on the pool",
		Long: `Calculate one fractal image after another on the pool. Every image is split
into one tile per session; a tile whose pool element fails is handed to
another element.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, runKeys)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPoolUser(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntP("sessions", "s", 1, "concurrent calculation sessions (1..512)")
	cmd.Flags().Int("width", 400, "image width (64..8192)")
	cmd.Flags().Int("height", 250, "image height (64..4096)")
	cmd.Flags().String("config-dir", "fgpconfig", "directory of fractal parameter files")
	cmd.Flags().Duration("send-timeout", 5*time.Second, "time a pool element has to accept a request")
	cmd.Flags().Duration("recv-timeout", 5*time.Second, "longest silence between result packets")
	cmd.Flags().Int("max-retries", 3, "failovers per tile before the image fails")
	cmd.Flags().Duration("inter-image-time", 5*time.Second, "pause between images")
	cmd.Flags().String("image-storage-prefix", "", "save completed images as <prefix>-<n>.png")
	cmd.Flags().Int("images", 0, "stop after this many images (0: run until stopped)")
	cmd.Flags().Bool("metrics", false, "serve metrics and status over HTTP")
	cmd.Flags().Int("metrics-port", 9090, "HTTP port for metrics and status")
	cmd.Flags().String("history", "fractalpool.db", "SQLite run history file (empty: no history)")
	cmd.Flags().StringSlice("element", nil, "static pool element ID@address (repeatable)")

	return cmd
}

// runPoolUser wires the pool user and calculates images until ctx is done.
func runPoolUser(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	collector := metrics.NewCollector(prometheus.NewRegistry())
	reg := registry.New(registry.Config{
		LeaseTTL:   cfg.Pool.LeaseTTL,
		Quarantine: cfg.Pool.Quarantine,
	}, logger, registry.WithMetrics(collector))

	tr := transport.NewGRPC(logger, collector)
	defer tr.Close()

	var store history.Store
	if cfg.History.Path != "" {
		s, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	// connections to elements that left are closed
	events := reg.Subscribe(bgCtx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			if ev.Kind == registry.EventLeft {
				tr.Forget(ev.Element.Address)
			}
		}
	}()

	if cfg.Pool.Discovery {
		nc, err := discovery.Connect(cfg.Pool.NATSURL, discovery.ConnectOptions{
			Name:          "fractalpooluser",
			MaxReconnects: -1,
		}, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		sub, err := discovery.NewSubscriber(nc, cfg.Pool.Handle, reg, logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Run(bgCtx); err != nil {
				logger.Error("pool discovery stopped", zap.Error(err))
			}
		}()
	}

	ctrl, err := controller.New(cfg, controller.Deps{
		Registry:  reg,
		Transport: tr,
		History:   store,
		Out:       out,
	}, logger, collector)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		srv := ctrl.NewServer(cfg.Metrics.Port)
		go func() {
			logger.Info("serving metrics and status", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	printBanner(out, cfg)
	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("pool user: %w", err)
	}
	return nil
}

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "Fractal Pool User - Version 2.0")
	fmt.Fprintln(w, "===============================")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Pool Handle          = %s\n", cfg.Pool.Handle)
	fmt.Fprintf(w, "Width                = %d\n", cfg.Image.Width)
	fmt.Fprintf(w, "Height               = %d\n", cfg.Image.Height)
	fmt.Fprintf(w, "Config Directory     = %s\n", cfg.Image.ConfigDir)
	fmt.Fprintf(w, "Send Timeout         = %s\n", cfg.Sessions.SendTimeout)
	fmt.Fprintf(w, "Receive Timeout      = %s\n", cfg.Sessions.RecvTimeout)
	fmt.Fprintf(w, "Inter Image Time     = %s\n", cfg.Image.InterImageTime)
	fmt.Fprintf(w, "Image Storage Prefix = %s\n", cfg.Image.StoragePrefix)
	fmt.Fprintf(w, "Sessions             = %d\n", cfg.Sessions.Count)
	fmt.Fprintln(w)
}
