package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	enet "github.com/riyuzenn/enet-go"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo node",
	Long: `serve listens for peers and echoes every packet back on the channel it
arrived on, preserving its flags.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	listen := cfg.Listen
	if serveListen != "" {
		listen = serveListen
	}

	engine, err := buildEngine(listen)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	host, err := enet.NewHost(engine,
		enet.WithPeerLimit(cfg.PeerLimit),
		enet.WithLogger(logger.Named("host")),
		enet.WithMetrics(reg),
	)
	if err != nil {
		return err
	}
	defer host.Close()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("echo node listening",
		zap.String("addr", listen),
		zap.String("engine", cfg.Engine))

	for ctx.Err() == nil {
		event, err := host.Service(100 * time.Millisecond)
		if err != nil {
			logger.Error("service failed", zap.Error(err))
			return err
		}
		if event == nil {
			continue
		}

		peer := event.Peer()
		id := peer.ID()

		switch kind := event.Take().(type) {
		case enet.Connect:
			logger.Info("peer connected", zap.Stringer("peer", id))

		case enet.Disconnect:
			logger.Info("peer disconnected",
				zap.Stringer("peer", id),
				zap.Uint32("data", kind.Data))

		case enet.Receive:
			if err := peer.Send(kind.ChannelID, kind.Packet); err != nil {
				logger.Warn("echo failed", zap.Stringer("peer", id), zap.Error(err))
			}
		}
	}

	logger.Info("shutting down")
	return nil
}
