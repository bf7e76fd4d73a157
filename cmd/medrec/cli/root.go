package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"medrec.org/internal/config"
	"medrec.org/internal/obs"
)

var cfgFile string

// Execute creates the root command tree and runs it.
func Execute(version, commit string) error {
	obs.Version, obs.Commit = version, commit
	return newRootCmd(version, commit).Execute()
}

func newRootCmd(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "medrec",
		Short:         "Clinical records authentication and audit service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./medrec.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newVersionCmd(version, commit))
	return cmd
}

// loadConfig reads file and environment, then applies flag overrides that
// were bound to v by the calling command.
func loadConfig(bind func(v *viper.Viper) error) (config.Config, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if bind != nil {
		if err := bind(v); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, err
	}
	obs.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
