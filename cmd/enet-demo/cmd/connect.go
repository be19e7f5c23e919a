package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	enet "github.com/riyuzenn/enet-go"
)

var (
	connectCount      int
	connectMessage    string
	connectChannel    uint8
	connectUnreliable bool
	connectTimeout    time.Duration
)

var connectCmd = &cobra.Command{
	Use:   "connect <addr>",
	Short: "Dial an echo node and round-trip packets",
	Args:  cobra.ExactArgs(1),
	RunE:  runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().IntVar(&connectCount, "count", 10, "packets to send")
	connectCmd.Flags().StringVar(&connectMessage, "message", "ping", "payload to send")
	connectCmd.Flags().Uint8Var(&connectChannel, "channel", 0, "channel to send on")
	connectCmd.Flags().BoolVar(&connectUnreliable, "unreliable", false, "send unsequenced datagrams instead of reliable packets")
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 30*time.Second, "overall deadline")
}

func runConnect(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	engine, err := buildEngine("")
	if err != nil {
		return err
	}

	host, err := enet.NewHost(engine, enet.WithLogger(logger.Named("host")))
	if err != nil {
		return err
	}
	defer host.Close()

	server, err := host.Connect(args[0], uint8(cfg.Channels), 0)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	flags := enet.FlagReliable
	if connectUnreliable {
		flags = 0
	}

	received := 0
	for ctx.Err() == nil {
		event, err := host.Service(50 * time.Millisecond)
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}

		switch kind := event.Take().(type) {
		case enet.Connect:
			logger.Info("connected",
				zap.Stringer("peer", server.ID()),
				zap.Int("count", connectCount))
			for i := 0; i < connectCount; i++ {
				pk := enet.NewPacket([]byte(connectMessage), flags)
				if err := server.Send(connectChannel, pk); err != nil {
					return err
				}
			}

		case enet.Receive:
			received++
			fmt.Printf("echo %d/%d: %s\n", received, connectCount, kind.Packet.Data())
			if received >= connectCount {
				if err := server.Disconnect(uint32(received)); err != nil {
					return err
				}
			}

		case enet.Disconnect:
			fmt.Printf("disconnected with data %d after %d echoes\n", kind.Data, received)
			return nil
		}
	}

	// Unreliable echoes may never arrive; the deadline is the normal way
	// out of that run, not a failure.
	if connectUnreliable && received > 0 {
		fmt.Printf("deadline reached after %d echoes\n", received)
		return nil
	}
	return ctx.Err()
}
