package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/guestaspace/internal/config"
	"github.com/tinyrange/guestaspace/internal/debug"
	"github.com/tinyrange/guestaspace/internal/hv"
	"github.com/tinyrange/guestaspace/internal/hv/factory"
	"github.com/tinyrange/guestaspace/internal/loader"
	"github.com/tinyrange/guestaspace/internal/payload"
	"github.com/tinyrange/guestaspace/internal/timeslice"
)

func main() {
	if err := run(); err != nil {
		// The run loop has already reported the exit on stdout.
		if !errors.Is(err, hv.ErrUnhandledExit) {
			fmt.Fprintf(os.Stderr, "guestaspace: %v\n", err)
		}
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "Machine layout YAML (default: built-in layout for this build)")
	imagePath := flag.String("image", "", "Guest image (default: "+loader.DefaultImagePath+")")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	debugFile := flag.String("debug-file", "", "Write debug stream to file")
	timesliceFile := flag.String("timeslice-file", "", "Write timeslice data to file")
	emitPayload := flag.String("emit-payload", "", "Write the built-in workload to this file, then exit")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration, then exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nBoots one guest and services its exits until it shuts down.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	debugFilePath := *debugFile
	if debugFilePath == "" {
		debugFilePath = os.Getenv("GUESTASPACE_DEBUG_FILE")
	}
	if debugFilePath != "" {
		if err := debug.OpenFile(debugFilePath); err != nil {
			return fmt.Errorf("open debug file: %w", err)
		}
		defer debug.Close()

		debug.Writef("guestaspace", "debug logging enabled filename=%s", debugFilePath)
	}

	if *timesliceFile != "" {
		f, err := os.Create(*timesliceFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()

		w, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("open timeslice file: %w", err)
		}
		defer w.Close()
	}

	cfg, err := loadConfig(*configFile, factory.HostArchitecture)
	if err != nil {
		return err
	}
	if *imagePath != "" {
		cfg.Image = *imagePath
	}

	if *printConfig {
		return cfg.Write(os.Stdout)
	}

	if *emitPayload != "" {
		code, err := payload.Build(cfg.Arch(), cfg.Payload())
		if err != nil {
			return err
		}
		if err := os.WriteFile(*emitPayload, code, 0o644); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
		slog.Info("payload written", "path", *emitPayload, "arch", cfg.Arch(), "bytes", len(code))
		return nil
	}

	if err := checkBackend(cfg, factory.HostArchitecture); err != nil {
		return err
	}

	img, err := loader.LoadOrBuild(cfg.Image, cfg.Arch(), cfg.Payload(),
		loader.WithProgress(loader.TerminalProgress()),
	)
	if err != nil {
		return err
	}

	space, err := hv.BuildAddressSpace(img.Bytes, cfg.GuestBase.GPA())
	if err != nil {
		return err
	}
	defer space.Close()

	vcpu, err := factory.Open(space, factory.Options{
		Entry:  cfg.GuestBase.GPA(),
		Budget: cfg.Budget,
	})
	if err != nil {
		return err
	}

	slog.Debug("starting guest",
		"arch", cfg.Arch(),
		"image", img.Source,
		"base", cfg.GuestBase.GPA(),
		"device", cfg.DevicePage.GPA(),
	)

	res, err := hv.NewRunLoop(vcpu, space, cfg.FaultPolicy(),
		hv.WithConsole(os.Stdout),
		hv.WithExitLimit(cfg.MaxExits),
	).Run()
	slog.Debug("guest stopped", "exits", res.Exits, "faults", res.FaultsResolved, "mapped", space.MappedPages())
	return err
}

func loadConfig(path string, arch hv.CpuArchitecture) (config.Config, error) {
	if path != "" {
		return config.Load(path, arch)
	}
	if arch == hv.ArchitectureInvalid {
		return config.Config{}, fmt.Errorf("no backend for this host: %w", hv.ErrHypervisorUnsupported)
	}
	return config.Default(arch)
}

// checkBackend rejects a configuration for a guest the compiled-in backend
// cannot run. The backend is fixed when the binary is built.
func checkBackend(cfg config.Config, host hv.CpuArchitecture) error {
	if cfg.Arch() != host {
		return fmt.Errorf("configuration is for %s but this binary runs %s guests: %w",
			cfg.Arch(), host, hv.ErrHypervisorUnsupported)
	}
	return nil
}
