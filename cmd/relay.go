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

	"github.com/TFMV/furydrop/server"
	"github.com/TFMV/furydrop/signal"
)

const storeCleanupInterval = time.Minute

// relayCmd starts the FuryDrop signaling relay.
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the signaling relay",
	Long:  "Serve rooms and connection-setup messages over HTTP. Relay state lives in memory or in etcd.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()

		ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, closeStore, err := openStore(ctx, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		logger.Info("Starting relay",
			zap.String("store", viper.GetString("relay.store")),
			zap.Int("port", viper.GetInt("relay.port")))

		// Start the Fiber-based relay server.
		return server.StartAPIServer(ctx, logger, signal.NewRelay(logger, store))
	},
}

// openStore builds the configured relay store
func openStore(ctx context.Context, logger *zap.Logger) (signal.Store, func(), error) {
	switch kind := viper.GetString("relay.store"); kind {
	case "", "memory":
		store := signal.NewMemoryStore()
		go runJanitor(ctx, logger, store)
		return store, func() {}, nil

	case "etcd":
		store, err := signal.NewEtcdStore(logger, viper.GetStringSlice("etcd.endpoints"), viper.GetString("etcd.prefix"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close etcd store", zap.Error(err))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown relay store %q", kind)
	}
}

// runJanitor reclaims expired relay entries until ctx is done
func runJanitor(ctx context.Context, logger *zap.Logger, store *signal.MemoryStore) {
	ticker := time.NewTicker(storeCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Cleanup(); n > 0 {
				logger.Debug("Removed expired relay entries", zap.Int("count", n), zap.Int("remaining", store.Len()))
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	relayCmd.Flags().String("public-url", "", "base URL used in share links")
	relayCmd.Flags().String("store", "memory", "relay store: memory or etcd")
	relayCmd.Flags().StringSlice("etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints")
	relayCmd.Flags().String("etcd-prefix", "furydrop/", "etcd key prefix")

	viper.BindPFlag("relay.port", relayCmd.Flags().Lookup("port"))
	viper.BindPFlag("relay.public_url", relayCmd.Flags().Lookup("public-url"))
	viper.BindPFlag("relay.store", relayCmd.Flags().Lookup("store"))
	viper.BindPFlag("etcd.endpoints", relayCmd.Flags().Lookup("etcd-endpoints"))
	viper.BindPFlag("etcd.prefix", relayCmd.Flags().Lookup("etcd-prefix"))
}
