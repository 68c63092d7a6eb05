package main

import (
	"os"
	"strings"

	"github.com/go-go-golems/glitchcube/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// v holds the layered configuration for every command.
var v = settings.New()

var rootCmd = &cobra.Command{
	Use:           "glitchcube",
	Short:         "glitchcube is the conversation backend for the Glitch Cube art installation",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func initConfig(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.glitchcube")
		v.AddConfigPath("/etc/glitchcube")

		if xdgConfigPath, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(xdgConfigPath + "/glitchcube")
		}
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return errors.Wrap(err, "could not read config")
	}

	if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}
	// command-local flags map onto nested keys, e.g. --address to server.address
	bindings := map[string]string{
		"address":    "server.address",
		"tools-file": "tools.file",
		"persona":    "persona.default",
		"store":      "store.driver",
		"mode":       "llm.mode",
	}
	for flag, key := range bindings {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	log.Debug().Str("config", v.ConfigFileUsed()).Msg("Loaded configuration")
	return nil
}

func initLogger() error {
	logLevel := v.GetString("log-level")
	if v.GetBool("verbose") && logLevel != "trace" {
		logLevel = "debug"
	}
	return InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    v.GetString("log-file"),
		LogFormat:  v.GetString("log-format"),
		WithCaller: v.GetBool("with-caller"),
	})
}

func init() {
	// assigned here rather than in the literal: initConfig refers to rootCmd
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := initConfig(cmd); err != nil {
			return err
		}
		// reinitialize the logger now that --log-level and co are parsed
		return initLogger()
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to a config file")
	pf.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "Log format (text or json); text when stderr is a terminal")
	pf.String("log-file", "", "Also log to this file, rotated")
	pf.Bool("with-caller", false, "Log caller information")
	pf.BoolP("verbose", "v", false, "Shorthand for --log-level debug")

	rootCmd.AddCommand(newServeCommand(), newToolsCommand(), newChatCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		msg := err.Error()
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
		_, _ = os.Stderr.WriteString("Error: " + msg)
		os.Exit(1)
	}
}
