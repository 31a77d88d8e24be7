package main

import (
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cli struct {
	v   *viper.Viper
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &cli{v: config.New()}
	root := &cobra.Command{
		Use:           "meshvoice",
		Short:         "Full-mesh WebRTC voice rooms",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			zerolog.SetGlobalLevel(cfg.Level())
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = a.v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newRelayCmd(a), newJoinCmd(a))
	return root
}
