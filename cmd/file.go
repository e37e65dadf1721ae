package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/furydrop/file"
)

var (
	// Flags for file commands
	chunkSize    int
	saveManifest bool
)

// fileCmd represents the file command
var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Inspect files and stored manifests",
	Long:  `Commands for building manifests and managing the manifests of received files.`,
}

// manifestCmd represents the manifest command
var manifestCmd = &cobra.Command{
	Use:   "manifest [file_path]",
	Short: "Print the manifest of a file",
	Long:  `Split a file into chunks, hash them and print the resulting manifest as JSON.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()

		chunker := file.NewChunker(logger, chunkSize)

		startTime := time.Now()
		manifest, err := chunker.ChunkFile(args[0], nil)
		if err != nil {
			return err
		}
		logger.Debug("Manifest built",
			zap.String("file_id", manifest.FileID),
			zap.Duration("duration", time.Since(startTime)))

		if saveManifest {
			storage, err := openStorage(logger)
			if err != nil {
				return err
			}
			if err := storage.SaveManifest(manifest); err != nil {
				return err
			}
		}

		out, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to serialize manifest: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored manifests",
	Long:  `List the manifests of files received into local storage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()

		storage, err := openStorage(logger)
		if err != nil {
			return err
		}

		// Get file list
		manifests := storage.ListManifests()

		// Print results
		fmt.Printf("Stored files (%d):\n", len(manifests))
		fmt.Printf("%-64s %-30s %-12s %s\n", "File ID", "File Name", "Size", "Chunks")

		for _, manifest := range manifests {
			fmt.Printf("%-64s %-30s %-12s %d\n", manifest.FileID, manifest.FileName, formatSize(manifest.FileSize), manifest.TotalChunks)
		}

		// Get storage stats
		stats, err := storage.GetStorageStats()
		if err != nil {
			logger.Warn("Failed to get storage stats", zap.Error(err))
			return nil
		}
		fmt.Printf("\nStorage statistics:\n")
		fmt.Printf("  Total files: %d\n", stats["file_count"])
		fmt.Printf("  Total size: %s\n", formatSize(stats["total_size"].(int64)))
		fmt.Printf("  Total chunks: %d\n", stats["total_chunks"])
		fmt.Printf("  Disk usage: %s\n", formatSize(stats["disk_usage"].(int64)))
		fmt.Printf("  Storage location: %s\n", stats["base_dir"])
		return nil
	},
}

// deleteCmd represents the delete command
var deleteCmd = &cobra.Command{
	Use:   "delete [file_id]",
	Short: "Delete a stored manifest",
	Long:  `Delete the manifest of a received file. The file itself is left in place.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()

		storage, err := openStorage(logger)
		if err != nil {
			return err
		}

		fileID := args[0]
		manifest, err := storage.GetManifest(fileID)
		if err != nil {
			return err
		}

		if err := storage.DeleteManifest(fileID); err != nil {
			return err
		}

		fmt.Printf("Manifest deleted:\n")
		fmt.Printf("  File ID: %s\n", fileID)
		fmt.Printf("  File name: %s\n", manifest.FileName)
		return nil
	},
}

func openStorage(logger *zap.Logger) (*file.StorageManager, error) {
	return file.NewStorageManager(logger, file.StorageConfig{
		BaseDir: viper.GetString("storage.base_dir"),
	})
}

// Helper function to format file size
func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(fileCmd)
	fileCmd.AddCommand(manifestCmd)
	fileCmd.AddCommand(listCmd)
	fileCmd.AddCommand(deleteCmd)

	manifestCmd.Flags().IntVarP(&chunkSize, "chunk-size", "c", file.DefaultChunkSize, "Size of each chunk in bytes")
	manifestCmd.Flags().BoolVar(&saveManifest, "save", false, "Also store the manifest locally")
}
