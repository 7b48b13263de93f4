// Package cmd holds the mediagrabber command line.
package cmd

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mediagrabber/config"
)

var log = logging.Logger("cmd")

// subsystems whose log level follows --debug
var subsystems = []string{"cmd", "services", "handlers", "websocket", "http"}

var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:           "mediagrabber",
	Short:         "Download media from YouTube, Instagram, Facebook, X and Threads",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolP("debug", "d", false, "Enable debug logging")
	flags.String("output-dir", "output", "Root directory for job output")
	flags.Int("max-transcode-workers", 2, "Concurrent transcodes")
	flags.Int("max-download-workers", 2, "Concurrent download jobs")
	flags.Int("progress-ttl", 300, "Seconds a progress entry stays cached (min 60)")
	flags.Int("retry-max-attempts", 3, "Attempts per fetch or transcode step")

	bindFlags(v, rootCmd, map[string]string{
		"debug":                 config.KeyDebug,
		"output-dir":            config.KeyOutputDir,
		"max-transcode-workers": config.KeyMaxTranscodeWorkers,
		"max-download-workers":  config.KeyMaxDownloadWorkers,
		"progress-ttl":          config.KeyProgressTTLSeconds,
		"retry-max-attempts":    config.KeyRetryMaxAttempts,
	}, true)

	rootCmd.AddCommand(serverCmd, downloadCmd, doctorCmd)
}

// bindFlags ties flags to viper keys. Flags override MG_* variables only
// when set explicitly.
func bindFlags(v *viper.Viper, c *cobra.Command, keys map[string]string, persistent bool) {
	flags := c.Flags()
	if persistent {
		flags = c.PersistentFlags()
	}
	for flag, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

// loadSettings reads the effective configuration and applies the log level
func loadSettings(quiet bool) (*config.Settings, error) {
	settings, err := config.LoadFrom(v)
	if err != nil {
		return nil, err
	}
	level := "info"
	switch {
	case settings.Debug:
		level = "debug"
	case quiet:
		level = "warn"
	}
	for _, name := range subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			return nil, err
		}
	}
	return settings, nil
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
