package cmd

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/furydrop/file"
	"github.com/TFMV/furydrop/node"
	"github.com/TFMV/furydrop/signal"
)

var (
	sendRoomID string
	quiet      bool
)

// sendCmd hosts a room and sends one file to whoever joins it.
var sendCmd = &cobra.Command{
	Use:   "send [file_path]",
	Short: "Send a file to a peer",
	Long:  "Open a room on the relay, print its ID and share link, and send the file once the receiver joins.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()

		ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, relay := newNode(logger)
		defer n.Stop()

		roomID := sendRoomID
		if roomID == "" {
			room, err := relay.OpenRoom(ctx)
			if err != nil {
				return err
			}
			roomID = room.RoomID

			fmt.Printf("Room ID: %s\n", room.RoomID)
			fmt.Printf("Share link: %s\n", room.ShareURL)
			fmt.Printf("Run on the receiving side: furydrop receive %s --relay %s\n", room.RoomID, viper.GetString("relay.url"))
		}

		stats, err := n.SendFile(ctx, roomID, args[0], func(pct float64) {
			if !quiet {
				fmt.Printf("\rHashing: %5.1f%%", pct)
				if pct >= 100 {
					fmt.Println()
				}
			}
		}, progressPrinter("Sending"))
		if err != nil {
			return fmt.Errorf("failed to send file: %w", err)
		}

		fmt.Printf("Sent %s in %v (%s/s, %d retries)\n",
			formatSize(stats.BytesTransferred),
			stats.EndTime.Sub(stats.StartTime).Round(time.Millisecond),
			formatSize(int64(stats.TransferRate)),
			stats.RetryCount)
		return nil
	},
}

// newNode wires a node to the configured relay over HTTP
func newNode(logger *zap.Logger) (*node.Node, *signal.HTTPRelay) {
	relay := signal.NewHTTPRelay(logger, viper.GetString("relay.url"))
	config := node.LoadConfig()

	n := node.NewNode(logger,
		signal.NewClient(logger, relay),
		node.NewWebRTCFactory(logger, node.LoadWebRTCConfig()),
		file.NewChunker(logger, config.Transfer.ChunkSize),
		config)

	return n, relay
}

// progressPrinter renders transfer progress on one terminal line
func progressPrinter(verb string) node.ProgressFunc {
	if quiet {
		return nil
	}
	return func(stats file.TransferStats) {
		fmt.Printf("\r%s: %5.1f%%  %s/%s  %s/s  ETA %v   ",
			verb,
			stats.Percent(),
			formatSize(stats.BytesTransferred),
			formatSize(stats.TotalBytes),
			formatSize(int64(stats.TransferRate)),
			stats.ETA.Round(time.Second))
		if stats.ChunksTransferred == stats.TotalChunks {
			fmt.Println()
		}
	}
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendRoomID, "room", "", "send into an existing room instead of opening one")
	sendCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
}
