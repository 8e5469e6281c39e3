package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	version = "1.4.0"
	channel = "stable"
	commit  = "dev"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	var configPath string

	rootCmd := &cobra.Command{
		Use:     "addon",
		Short:   "Personalised TMDB discover catalogs for Stremio",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "addon.yaml", "Path to the configuration file")
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ToLower(name))
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the addon HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("addon %s (%s, %s)\n", version, channel, commit)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
