package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/tutorcall/internal/config"
)

func newRootCmd() *cobra.Command {
	var confPath string
	root := &cobra.Command{
		Use:           "tutorcall",
		Short:         "Call signaling relay for tutoring sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&confPath, "conf", "", "config file (default config/config.$CONFIG_ENV.yaml)")

	load := func() (*config.Config, error) {
		if confPath != "" {
			return config.LoadFile(confPath)
		}
		return config.Load()
	}
	root.AddCommand(newServeCmd(load), newTokenCmd(load))
	return root
}

func main() {
	// Initialize zerolog global logger early so config loading can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}
