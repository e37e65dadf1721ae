package cmd

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/furydrop/file"
)

var outputDir string

// receiveCmd joins a room and saves the file sent into it.
var receiveCmd = &cobra.Command{
	Use:   "receive [room_id]",
	Short: "Receive a file from a peer",
	Long:  "Join a room on the relay, receive the file, verify it and save it to the output directory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()

		ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		storage, err := file.NewStorageManager(logger, file.StorageConfig{
			BaseDir:  viper.GetString("storage.base_dir"),
			FilesDir: outputDir,
		})
		if err != nil {
			return err
		}

		n, _ := newNode(logger)
		defer n.Stop()

		fmt.Printf("Joining room %s\n", args[0])

		path, stats, err := n.ReceiveToStorage(ctx, args[0], storage, progressPrinter("Receiving"))
		if err != nil {
			return fmt.Errorf("failed to receive file: %w", err)
		}

		fmt.Printf("Saved %s (%s", path, formatSize(stats.BytesTransferred))
		if stats.DiscardedChunks > 0 {
			fmt.Printf(", %d invalid chunks discarded", stats.DiscardedChunks)
		}
		fmt.Println(")")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory to save the file in (default <storage-dir>/files)")
	receiveCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
}
