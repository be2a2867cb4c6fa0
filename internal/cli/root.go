// Package cli provides the command-line interface for pollhttp
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pollhttp/pollhttp/internal/config"
)

var cfgFile string
var cfg *config.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pollhttp",
	Short: "A poll-driven HTTP client",
	Long: `Pollhttp is a non-blocking HTTP/HTTPS client that completes requests
incrementally across polling ticks instead of blocking threads.

Many requests can be in flight at once; every callback fires exactly
once when its request completes or its connection dies.

Examples:
  # Fetch a URL
  pollhttp fetch http://example.com/

  # Fetch several URLs concurrently
  pollhttp fetch http://a.example/ http://b.example/ https://c.example/

  # POST a JSON body
  pollhttp fetch -X POST --json '{"name":"x"}' http://example.com/api

  # Watch requests progress live
  pollhttp watch http://a.example/ http://b.example/`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pollhttp/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		// Use defaults if config load fails
		cfg = config.DefaultConfig()
	}

	if viper.IsSet("log_level") {
		cfg.Logging.Level = viper.GetString("log_level")
	}
	config.SetGlobal(cfg)
}

// GetConfig returns the loaded configuration
func GetConfig() *config.Config {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return cfg
}
