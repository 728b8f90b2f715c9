package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"bleradar/internal/config"
	"bleradar/internal/logging"
	"bleradar/internal/sniffle"
	"bleradar/internal/web"
)

func main() {
	var (
		configPath string
		listPorts  bool
		debug      bool
		transport  string
	)
	flag.StringVar(&configPath, "config", "./bleradar.yaml", "Path to YAML config")
	flag.BoolVar(&listPorts, "list-ports", false, "List serial ports and exit")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.StringVar(&transport, "transport", "", "Override radar.transport (sniffle|sim|replay)")
	flag.Parse()

	if listPorts {
		if err := printPorts(); err != nil {
			fmt.Fprintf(os.Stderr, "list ports: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(configPath, transport, debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	var logs *web.LogBuffer
	if cfg.Web.Enable {
		logs = web.NewLogBuffer(cfg.Web.LogTail)
		err = logging.Init(cfg.Log, logs)
	} else {
		err = logging.Init(cfg.Log)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging init failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg, logs)
	if err != nil {
		log.Fatal().Err(err).Msg("runtime init failed")
	}
	if err := rt.run(ctx); err != nil {
		log.Fatal().Err(err).Msg("bleradar stopped with error")
	}
}

// loadConfig reads the YAML file and applies command line overrides.
func loadConfig(path, transport string, debug bool) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if transport != "" {
		cfg.Radar.Transport = transport
		if err := config.DefaultAndValidate(&cfg); err != nil {
			return config.Config{}, err
		}
	}
	if debug {
		cfg.Log.Debug = true
	}
	return cfg, nil
}

func printPorts() error {
	ports, err := sniffle.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
