package main

import (
	"fmt"
	"os"

	"github.com/core-tools/hsu-appwatch/pkg/config"
	"github.com/core-tools/hsu-appwatch/pkg/engine"
	"github.com/core-tools/hsu-appwatch/pkg/logging/zaplog"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"Configuration file path (YAML or JSON)"`
	EnvFile     string `long:"env-file" description:"File with KEY=VALUE environment overrides"`
	Debug       bool   `long:"debug" short:"d" description:"Enable debug logging and debug records"`
	JSONLog     bool   `long:"json-log" description:"Write operational logs as JSON"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run (debug feature)"`
	Validate    bool   `long:"validate" description:"Validate the configuration and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.EnvFile != "" {
		if err := config.LoadEnvFile(opts.EnvFile); err != nil {
			fmt.Printf("Failed to load environment file: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(opts.Config, os.LookupEnv)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(2)
	}
	if opts.Debug {
		cfg.Logging.IncludeDebug = true
	}

	zl := zaplog.New(zaplog.Options{Debug: cfg.Logging.IncludeDebug, JSON: opts.JSONLog})
	defer zl.Sync()
	logger := zaplog.NewLogger(logPrefix("hsu-appwatch"), zl)

	if opts.Validate {
		logger.Infof("Configuration is valid: %s", cfg)
		return
	}

	if err := engine.Run(opts.RunDuration, cfg, logger); err != nil {
		logger.Errorf("Failed to run: %v", err)
		zl.Sync()
		os.Exit(1)
	}
}
