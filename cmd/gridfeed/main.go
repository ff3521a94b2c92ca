package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "GRIDFEED"

var rootCmd = &cobra.Command{
	Use:           "gridfeed",
	Short:         "Serve and exercise key-aware row windows for virtualized grids",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDotEnv(cmd); err != nil {
			return err
		}
		return initLogger(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.Bool("with-caller", false, "include caller information in logs")
	pf.String("env-file", ".env", "dotenv file loaded before reading configuration, if present")
	pf.String("config", "", "optional YAML config file")

	rootCmd.AddCommand(newServeCommand(), newScenarioCommand(), newEncodeCommand(), newDecodeCommand())
}

func loadDotEnv(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("env-file")
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

func initLogger(cmd *cobra.Command) error {
	lvl, _ := cmd.Flags().GetString("log-level")
	if v := os.Getenv(envPrefix + "_LOG_LEVEL"); v != "" && !cmd.Flags().Changed("log-level") {
		lvl = v
	}
	level, err := zerolog.ParseLevel(strings.ToLower(lvl))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", lvl)
	}
	zerolog.SetGlobalLevel(level)

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if withCaller, _ := cmd.Flags().GetBool("with-caller"); withCaller {
		log.Logger = log.Logger.With().Caller().Logger()
	}
	return nil
}

// newViper binds cmd's flags to GRIDFEED_* environment variables and the optional config file.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return v, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
