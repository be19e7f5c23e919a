package cmd

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/riyuzenn/enet-go/config"
	"github.com/riyuzenn/enet-go/logging"
	"github.com/riyuzenn/enet-go/transport"
	enetquic "github.com/riyuzenn/enet-go/transport/quic"
	"github.com/riyuzenn/enet-go/transport/tlsutil"
	enetws "github.com/riyuzenn/enet-go/transport/ws"
)

var (
	// Global flags
	cfgFile   string
	flagLevel string

	// Shared state set during PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd is the base command for enet-demo.
var rootCmd = &cobra.Command{
	Use:   "enet-demo",
	Short: "Demo node for the enet-go networking layer",
	Long: `enet-demo exercises the enet-go host and engines end to end: serve runs
an echo node, connect dials one and round-trips packets through it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if flagLevel != "" {
			cfg.Log.Level = flagLevel
		}
		logger, err = logging.Setup(cfg.Log.Logging())
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.enet)")
	rootCmd.PersistentFlags().StringVar(&flagLevel, "level", "", "override log level")
}

// buildEngine creates the configured engine. addr empty means a dial-only
// engine.
func buildEngine(addr string) (transport.Engine, error) {
	switch cfg.Engine {
	case "ws":
		return enetws.New(enetws.Config{
			Addr:        addr,
			Logger:      logger.Named("engine"),
			AcceptLimit: cfg.AcceptLimit,
		})
	default:
		tlsConf := &tls.Config{InsecureSkipVerify: true}
		if addr != "" {
			var err error
			tlsConf, err = tlsutil.SelfSigned()
			if err != nil {
				return nil, err
			}
		}
		return enetquic.New(enetquic.Config{
			Addr:        addr,
			TLS:         tlsConf,
			Logger:      logger.Named("engine"),
			AcceptLimit: cfg.AcceptLimit,
		})
	}
}
