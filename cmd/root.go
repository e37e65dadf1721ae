package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	debug   bool
)

// rootCmd is the base command for the FuryDrop CLI.
var rootCmd = &cobra.Command{
	Use:   "furydrop",
	Short: "FuryDrop - direct peer-to-peer file transfer",
	Long: "FuryDrop sends a file straight to another peer over a WebRTC data channel. " +
		"A small relay only carries the connection setup; file bytes never touch it.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("relay", "", "relay URL")
	rootCmd.PersistentFlags().String("storage-dir", "", "storage directory for received files and manifests")

	viper.BindPFlag("relay.url", rootCmd.PersistentFlags().Lookup("relay"))
	viper.BindPFlag("storage.base_dir", rootCmd.PersistentFlags().Lookup("storage-dir"))
	viper.SetDefault("relay.url", "http://localhost:8080")
}

// initConfig initializes Viper to read in configuration.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config") // config file name (without extension)
		viper.SetConfigType("yaml")   // config file type
		viper.AddConfigPath(".")      // look for the config in the current directory
	}

	// FURYDROP_RELAY_URL overrides relay.url and so on
	viper.SetEnvPrefix("furydrop")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Println("Failed to read config file:", err)
	}
}

// newLogger builds the CLI logger
func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
