// fanctl maps hwmon devices, whose hwmonN numbering changes across boots,
// to stable logical names and generates the fancontrol configuration.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// Version can be set during build time
var Version = "dev"

// DefaultConfigPath is the fanctl configuration read when -c is not given.
const DefaultConfigPath = "/etc/fanctl/config.yml"

type options struct {
	configPath   string
	outputPath   string
	profilesDir  string
	sysRoot      string
	verbosity    int
	force        bool
	printMapping bool
	showVersion  bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "fanctl: %v\n", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// exitCode maps an error returned by run to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return exitCommandError
}

func run(args []string, stdout, stderr io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("fanctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", DefaultConfigPath, "fanctl config file")
	flagSet.StringVarP(&opts.outputPath, "output", "f", DefaultOutputPath, "fancontrol config file to write, '-' for stdout")
	flagSet.StringVarP(&opts.profilesDir, "profiles", "p", DefaultProfilesDir, "directory of driver profiles")
	flagSet.StringVar(&opts.sysRoot, "sysfs", DefaultSysRoot, "sysfs mount point")
	flagSet.CountVarP(&opts.verbosity, "verbose", "v", "increase verbosity (can be used multiple times)")
	flagSet.BoolVar(&opts.force, "force", false, "rewrite the output even if the mapping is unchanged")
	flagSet.BoolVar(&opts.printMapping, "print-mapping", false, "print the resolved mapping as YAML and exit")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		printUsage(stderr, flagSet)
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "fanctl %s\n", Version)
		return nil
	}

	return generate(opts, stdout, stderr)
}

func generate(opts options, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, opts.verbosity)

	// The config is validated before any hardware access.
	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger.Debug("loaded configuration", "path", opts.configPath, "devices", len(cfg.Devices), "controls", len(cfg.Controls))

	profiles, err := NewProfileManager(opts.profilesDir)
	if err != nil {
		logger.Warn("continuing without driver profiles", "error", err)
	} else if names := profiles.ListProfiles(); len(names) > 0 {
		logger.Debug("loaded driver profiles", "profiles", names)
	}

	enumerator := &Enumerator{
		SysRoot:     opts.sysRoot,
		VerifySysfs: opts.sysRoot == DefaultSysRoot,
		Logger:      logger,
	}
	snapshot, err := enumerator.Snapshot()
	if err != nil {
		return err
	}

	reconciler := &Reconciler{Logger: logger}
	mapping, err := reconciler.Reconcile(cfg, snapshot)
	if err != nil {
		return err
	}

	if opts.printMapping {
		data, err := mapping.YAML()
		if err != nil {
			return fmt.Errorf("marshalling mapping: %w", err)
		}
		_, err = stdout.Write(data)
		return err
	}

	plans, err := BuildPlan(cfg, mapping, profiles, logger)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		logger.Warn("no controls resolved, fancontrol will have nothing to drive")
	}

	logger.Info("generating fancontrol config", "controls", len(plans))
	rendered := RenderFancontrol(mapping, plans, cfg.Interval)
	written, err := WriteFancontrol(opts.outputPath, rendered, opts.force, stdout)
	if err != nil {
		return err
	}
	switch {
	case !written:
		logger.Info("configuration is up to date, skipping regeneration", "path", opts.outputPath)
	case opts.outputPath != ConsoleSentinel:
		logger.Info("config was written", "path", opts.outputPath, "fingerprint", rendered.Fingerprint)
	}
	return nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `fanctl - fancontrol helper

Generates a configuration for fancontrol from a fanctl config and an
automatic mapping to the hwmon devices present on this boot.

Usage:
  fanctl [options]

Options:
%s
Examples:
  fanctl -v
  fanctl -c ./config.yml -f -
  fanctl --print-mapping
`, flagSet.FlagUsages())
}
