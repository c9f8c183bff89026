// Command foxbridge relays bus topics to a Foxglove WebSocket server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	// Well-known types resolvable without a descriptor set.
	_ "google.golang.org/protobuf/types/known/durationpb"
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/foxbridge"
)

type options struct {
	configPath string
	host       string
	connect    []string
	listen     []string
	logLevel   string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("foxbridge", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "config/config.yaml", "path to the YAML configuration")
	fs.StringVar(&opts.host, "host", "", "bind address of the visualization server (overrides server_address)")
	fs.StringArrayVarP(&opts.connect, "connect", "e", nil, "bus endpoint to connect to, repeatable (overrides connect)")
	fs.StringArrayVarP(&opts.listen, "listen", "l", nil, "bus endpoint to listen on, repeatable (overrides listen)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "trace, debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// loadConfig reads the configuration file and applies command line
// overrides.
func loadConfig(opts options) (*foxbridge.Config, error) {
	conf, err := foxbridge.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.host != "" {
		conf.ServerAddress = opts.host
	}
	if len(opts.connect) > 0 {
		conf.Connect = opts.connect
	}
	if len(opts.listen) > 0 {
		conf.Listen = opts.listen
	}
	if err := foxbridge.ValidateConfig(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	level, err := foxbridge.ParseLogLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := foxbridge.NewTextServiceLogger(stderr, level)

	conf, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded", foxbridge.LogFields{
		"file":   opts.configPath,
		"config": conf.String(),
	})

	svc, err := foxbridge.NewService(conf, logger, ctx, foxbridge.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Failed to close bridge", err, nil)
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info("Shutting down", foxbridge.LogFields{"relays": len(svc.Relays())})
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "foxbridge:", err)
		stop()
		os.Exit(1)
	}
}
