package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"periph.io/x/conn/v3/i2c"

	"pcapwm/config"
	"pcapwm/host/cli"
	"pcapwm/host/rt"
	"pcapwm/logging"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	busNumber  = flag.Int("bus", -1, "I2C bus number (overrides config)")
	backend    = flag.String("backend", "", "bus backend: linux, mcu or sim (overrides config)")
	logLevel   = flag.String("log-level", "", "log level: debug, info, warn or error (overrides config)")
	sim        = flag.Bool("sim", false, "use the simulated expander")
	headless   = flag.Bool("headless", false, "start the driver and run until interrupted, without a shell")
	address    i2c.Addr
)

func main() {
	flag.Var(&address, "addr", "7-bit chip address (overrides config)")
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.Setup(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.Realtime.LockMemory {
		if err := rt.LockMemory(); err != nil {
			logger.Warn("memory not locked", "err", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := cli.New(cfg, cli.WithLogger(logger))
	defer d.Close()

	if *headless {
		if err := d.Exec("start"); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}

	cli.PrintHelp(os.Stdout)
	return cli.Shell(ctx, d)
}

// applyFlags lets explicit flags win over the file
func applyFlags(cfg *config.Config) {
	if *busNumber >= 0 {
		cfg.Bus.Number = *busNumber
	}
	if address != 0 {
		cfg.Bus.Address = uint16(address)
	}
	if *backend != "" {
		cfg.Bus.Backend = *backend
	}
	if *sim {
		cfg.Bus.Backend = config.BackendSim
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
}
