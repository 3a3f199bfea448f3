package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xhd2015/ddbg/debug"
	"github.com/xhd2015/ddbg/debug/common"
	"github.com/xhd2015/ddbg/debug/engine"
)

// install: go install ./cmd/ddbg
const welcome = "Welcome to ddbg, a line debugger for Go programs"

var rootCmd = &cobra.Command{
	Use:   "ddbg [flags] <program> [-- args...]",
	Short: "ddbg debugs a Go program from the terminal",
	Long: `ddbg launches a Go program under Delve, stops at the first line of its
main function and reads commands from stdin whenever the program is suspended.

<program> is a .go file, a package directory, a _test.go file or a binary.
A _test.go file runs in test mode and needs --entry <package>.TestName.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default ./.ddbg.yaml or ~/.ddbg/config.yaml)")
	flags.String("debugger", debug.Headless, "Type of debugger to use: 'headless' or 'dap'")
	flags.String("dlv", "dlv", "Path to the dlv binary")
	flags.String("mode", "", "Delve mode: debug, exec or test (detected from <program> when empty)")
	flags.String("entry", "main", "Package whose main function starts the session, or <package>.TestName in test mode")
	flags.IntSlice("break", nil, "Lines to set breakpoints on once the program is loaded")
	flags.StringSlice("step-exclude", common.DefaultStepExclude, "Function prefixes steps and stack traces skip; 'std' is the standard library, '!prefix' exempts")
	flags.Duration("connect-timeout", 30*time.Second, "How long to wait for Delve to accept connections")

	flags.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (json, text)")
	flags.String("log-file", "", "Also write logs to this file")

	cobra.CheckErr(viper.BindPFlags(flags))
	cobra.OnInitialize(initConfig)
}

// initConfig reads the config file and environment once flags are parsed
func initConfig() {
	viper.SetEnvPrefix("ddbg")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configPath := viper.GetString("config"); configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName(".ddbg")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.ddbg")
		}
	}

	err := viper.ReadInConfig()
	// a missing config file is fine
	if _, ok := err.(viper.ConfigFileNotFoundError); !ok && err != nil {
		cobra.CheckErr(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := InitLogger(logConfig{
		Level:     viper.GetString("log-level"),
		LogFormat: viper.GetString("log-format"),
		LogFile:   viper.GetString("log-file"),
	})
	if err != nil {
		return err
	}
	log.Debug().Str("config", viper.ConfigFileUsed()).Msg("loaded configuration")

	launcher, err := debug.NewLauncher(viper.GetString("debugger"), common.LaunchConfig{
		Dlv:            viper.GetString("dlv"),
		Program:        args[0],
		Args:           args[1:],
		Mode:           viper.GetString("mode"),
		ConnectTimeout: viper.GetDuration("connect-timeout"),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println(welcome)
	fmt.Print(engine.Commands)

	session := engine.NewSession(launcher, engine.Options{
		Entry:       viper.GetString("entry"),
		Breakpoints: viper.GetIntSlice("break"),
		StepExclude: viper.GetStringSlice("step-exclude"),
		Logger:      logger,
	})
	return session.Run(ctx)
}
