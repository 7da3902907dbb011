package cli

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/internal/config"
	"github.com/ChuLiYu/fractalpool/internal/discovery"
	"github.com/ChuLiYu/fractalpool/internal/transport"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

var serveKeys = map[string]string{
	"id":                "element.id",
	"listen":            "element.listen",
	"advertise":         "element.advertise",
	"max-sessions":      "element.max_sessions",
	"failure-after":     "element.failure_after",
	"cookie-packets":    "element.cookie_packets",
	"test-mode":         "element.test_mode",
	"announce-interval": "element.announce_interval",
}

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a pool element",
		Long: `Run a fractal calculation server and announce it in the pool. With
--failure-after N every calculation is dropped after N packets, to exercise
the failover of pool users.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, serveKeys)
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

			lis, err := net.Listen("tcp", cfg.Element.Listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Element.Listen, err)
			}
			return serveElement(ctx, cfg, lis, logger)
		},
	}

	cmd.Flags().Uint32("id", 0, "pool element identifier (0: random)")
	cmd.Flags().String("listen", ":50051", "gRPC listen address")
	cmd.Flags().String("advertise", "", "address announced to pool users (default: listen address)")
	cmd.Flags().Int("max-sessions", 0, "concurrent calculations (0: unbounded)")
	cmd.Flags().Int("failure-after", 0, "drop every calculation after this many packets (0: never)")
	cmd.Flags().Int("cookie-packets", transport.DefaultCookiePackets, "data packets between resume cookies (negative: none)")
	cmd.Flags().Bool("test-mode", false, "answer with the (x*y) mod 256 test pattern")
	cmd.Flags().Duration("announce-interval", discovery.DefaultAnnounceInterval, "pool announcement interval")

	return cmd
}

// elementID returns the configured identifier or a random, defined one.
func elementID(configured uint32, rng *rand.Rand) types.ElementID {
	if configured != uint32(types.NoElement) {
		return types.ElementID(configured)
	}
	for {
		if id := types.ElementID(rng.Uint32()); id != types.NoElement {
			return id
		}
	}
}

// serveElement serves a pool element on lis until ctx is done.
func serveElement(ctx context.Context, cfg *config.Config, lis net.Listener, logger *zap.Logger) error {
	id := elementID(cfg.Element.ID, rand.New(rand.NewSource(time.Now().UnixNano())))
	elem := transport.NewElement(transport.ElementConfig{
		ID:            id,
		MaxSessions:   cfg.Element.MaxSessions,
		FailureAfter:  cfg.Element.FailureAfter,
		CookiePackets: cfg.Element.CookiePackets,
		TestMode:      cfg.Element.TestMode,
	}, logger)

	advertise := cfg.Element.Advertise
	if advertise == "" {
		advertise = lis.Addr().String()
	}

	announced := make(chan error, 1)
	annCtx, stopAnnouncing := context.WithCancel(ctx)
	defer stopAnnouncing()

	if cfg.Pool.Discovery {
		nc, err := discovery.Connect(cfg.Pool.NATSURL, discovery.ConnectOptions{
			Name:          fmt.Sprintf("fractalgenerator-%s", id),
			MaxReconnects: -1,
		}, logger)
		if err != nil {
			lis.Close()
			return err
		}
		defer nc.Close()

		ann, err := discovery.NewAnnouncer(nc, discovery.AnnouncerConfig{
			Handle:   cfg.Pool.Handle,
			ID:       id,
			Address:  advertise,
			Interval: cfg.Element.AnnounceInterval,
			Load:     elem.Load,
		}, logger)
		if err != nil {
			lis.Close()
			return err
		}
		go func() { announced <- ann.Run(annCtx) }()
	} else {
		close(announced)
	}

	logger.Info("pool element started",
		zap.Stringer("element", id),
		zap.String("address", advertise),
		zap.Bool("discovery", cfg.Pool.Discovery))

	serveErr := elem.Serve(ctx, lis)
	stopAnnouncing()
	// wait for the withdrawal before the connection closes
	if err := <-announced; err != nil {
		logger.Warn("pool withdrawal failed", zap.Error(err))
	}
	logger.Info("pool element stopped", zap.Int64("served", elem.Served()))
	return serveErr
}
