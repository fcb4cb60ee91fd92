package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/snonux/hanzirecall/internal"
	"codeberg.org/snonux/hanzirecall/internal/config"
)

// CreateRootCommand creates and configures the root cobra command
func CreateRootCommand(flags *Flags) *cobra.Command {
	r := &runner{flags: flags, v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "hanzirecall",
		Short: "Chinese character flashcard enrichment pipeline",
		Long: `hanzirecall turns imported Chinese characters into study cards with a
meaning, a pinyin reading, an illustration and pronunciation audio.

Characters with several readings wait for a choice before enrichment.
Generated media is shared between all collections.

Examples:
  hanzirecall serve                         # Run the API and the workers
  hanzirecall create "HSK 1"                # Create a collection
  hanzirecall import <id> 猫 狗 行 --wait    # Import and enrich in one go
  hanzirecall import <id> --batch hsk1.txt  # Import from a file
  hanzirecall choose 行 xíng                 # Pick a reading
  hanzirecall export <id>                   # Write an Anki CSV`,
		Version:       internal.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return InitConfig(r.v, flags.CfgFile)
		},
	}

	setupFlags(rootCmd, flags)
	rootCmd.AddCommand(
		r.serveCommand(),
		r.createCommand(),
		r.importCommand(),
		r.enrichCommand(),
		r.enrichCardCommand(),
		r.stopCommand(),
		r.retryFailedCommand(),
		r.statusCommand(),
		r.checkCommand(),
		r.chooseCommand(),
		r.deleteCardCommand(),
		r.reclaimCommand(),
		r.cleanupCommand(),
		r.exportCommand(),
		r.modelsCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command, flags *Flags) {
	cmd.PersistentFlags().StringVar(&flags.CfgFile, "config", "", "config file (default is $HOME/.hanzirecall.yaml)")
	cmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "Log format: text or json")
}

// InitConfig points v at the config file and the environment. A missing
// default config file is fine; a missing explicit one is an error.
func InitConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("error getting home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".hanzirecall")
	}

	v.SetEnvPrefix("HANZIRECALL")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// LoadConfig unmarshals v and applies the flags set on the command line.
func LoadConfig(v *viper.Viper, fs *pflag.FlagSet, flags *Flags) (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = flags.LogLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = flags.LogFormat
	}
	if f := fs.Lookup("addr"); f != nil && f.Changed {
		cfg.Server.Addr = flags.Addr
	}
	return cfg, nil
}
