package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ccme-project/ccme/internal/config"
	"github.com/ccme-project/ccme/internal/logging"
)

var (
	v       = viper.New()
	cfgFile *string
	cfg     config.Config
	rootLog *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:     "ccmectl",
	Short:   "Operate a Conversation Context Management Engine session",
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and runs it. Only
// called once, by main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	cfgFile = config.BindFlags(rootCmd, v)
}

func initConfig() {
	loaded, err := config.Load(v, *cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	level := logging.INFO
	if cfg.Log.Debug {
		level = logging.DEBUG
	}
	rootLog = logging.NewLogger(level)

	if used := v.ConfigFileUsed(); used != "" {
		rootLog.Info("using config file %s", used)
	}
}
