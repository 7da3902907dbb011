package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/internal/config"
	"github.com/ChuLiYu/fractalpool/internal/controller"
	"github.com/ChuLiYu/fractalpool/internal/metrics"
	"github.com/ChuLiYu/fractalpool/internal/registry"
	"github.com/ChuLiYu/fractalpool/internal/transport"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// The demo runs three pool elements in process, one of which drops every
// calculation after a few packets, and calculates images on them. Every
// failover is printed once the image is done.
func main() {
	images := flag.Int("images", 3, "images to calculate")
	sessions := flag.Int("sessions", 6, "concurrent sessions")
	failAfter := flag.Int("failure-after", 5, "packets the faulty element sends before dropping a calculation")
	prefix := flag.String("prefix", "", "save images as <prefix>-<n>.png")
	flag.Parse()

	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.New(), "")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	cfg.Pool.Discovery = false
	cfg.Sessions.Count = *sessions
	cfg.Image.Count = *images
	cfg.Image.InterImageTime = time.Second
	cfg.Image.StoragePrefix = *prefix

	var (
		wg       sync.WaitGroup
		elements []*transport.Element
	)
	elemCtx, stopElements := context.WithCancel(context.Background())
	for i, failure := range []int{0, *failAfter, 0} {
		id := types.ElementID(i + 1)
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			logger.Fatal("Failed to listen", zap.Error(err))
		}
		elem := transport.NewElement(transport.ElementConfig{ID: id, FailureAfter: failure}, logger)
		elements = append(elements, elem)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := elem.Serve(elemCtx, lis); err != nil {
				logger.Error("pool element", zap.Error(err))
			}
		}()
		cfg.Pool.Elements = append(cfg.Pool.Elements, config.StaticElement{ID: uint32(id), Address: lis.Addr().String()})

		note := ""
		if failure > 0 {
			note = fmt.Sprintf(" (drops calculations after %d packets)", failure)
		}
		fmt.Printf("✓ Pool element %s on %s%s\n", id, lis.Addr(), note)
	}
	defer func() {
		stopElements()
		wg.Wait()
	}()

	collector := metrics.NewCollector(prometheus.NewRegistry())
	tr := transport.NewGRPC(logger, collector)
	defer tr.Close()

	ctrl, err := controller.New(cfg, controller.Deps{
		Registry:  registry.New(registry.Config{}, logger, registry.WithMetrics(collector)),
		Transport: tr,
		Out:       os.Stdout,
	}, logger, collector)
	if err != nil {
		logger.Fatal("Failed to create controller", zap.Error(err))
	}

	fmt.Printf("\n⚡ Calculating %d images with %d sessions...\n\n", *images, *sessions)
	if err := ctrl.Run(ctx); err != nil {
		logger.Fatal("Pool user failed", zap.Error(err))
	}

	st := ctrl.Status()
	fmt.Printf("\n📊 Last image:\n")
	fmt.Printf("  Units:     %d\n", st.Counts.Total)
	fmt.Printf("  Completed: %d\n", st.Counts.Completed)
	fmt.Printf("  Failed:    %d\n", st.Counts.Failed)

	failovers := ctrl.Failovers()
	fmt.Printf("\n🔁 Failovers of the last image: %d\n", len(failovers))
	for _, f := range failovers {
		fmt.Printf("  unit %-3d %s -> %s (attempt %d: %s)\n", f.Unit, f.From, f.To, f.Attempt, f.Reason)
	}

	fmt.Printf("\n📡 Points sent over all images:\n")
	for i, elem := range elements {
		fmt.Printf("  %s: %d\n", types.ElementID(i+1), elem.Points())
	}
}
