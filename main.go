// Package main provides the spool tag agent: it reads and writes the filament
// record on MIFARE Classic spool tags and exposes it to host applications over
// WebSocket and HTTP.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fyne.io/systray"
	"github.com/juju/loggo"

	"github.com/nedpals/spooltag-agent/buildinfo"
	"github.com/nedpals/spooltag-agent/config"
)

var (
	// CLI flags
	configFlag    string
	driverFlag    string
	readerFlag    string
	hostFlag      string
	portFlag      int
	apiSecretFlag string
	logFlag       string
	logFileFlag   string
	autoFlag      bool
	noMDNSFlag    bool
	cliFlag       bool
	versionFlag   bool
)

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "driver":
			cfg.Reader.Driver = driverFlag
		case "reader":
			cfg.Reader.Name = readerFlag
		case "host":
			cfg.Server.Host = hostFlag
		case "port":
			cfg.Server.Port = portFlag
		case "api-secret":
			cfg.Server.APISecret = apiSecretFlag
		case "log":
			cfg.LogLevels = logFlag
		case "log-file":
			cfg.LogFile = logFileFlag
		case "auto":
			cfg.AutoPoll = autoFlag
		case "no-mdns":
			cfg.MDNS.Enabled = !noMDNSFlag
		}
	})
}

// setupLogging applies the logger level config and, when path is set, mirrors
// warnings and above to a log file.
func setupLogging(levels, path string) (func(), error) {
	if err := loggo.ConfigureLoggers(levels); err != nil {
		return nil, fmt.Errorf("invalid log levels %q: %w", levels, err)
	}
	if path == "" {
		return func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	writer := loggo.NewMinimumLevelWriter(loggo.NewSimpleWriter(f, loggo.DefaultFormatter), loggo.WARNING)
	if err := loggo.RegisterWriter("file", writer); err != nil {
		f.Close()
		return nil, fmt.Errorf("register log file writer: %w", err)
	}
	return func() {
		loggo.RemoveWriter("file")
		f.Close()
	}, nil
}

func main() {
	flag.StringVar(&configFlag, "config", "", "Path to YAML configuration file (optional)")
	flag.StringVar(&driverFlag, "driver", config.DriverPCSC, "Reader driver: pcsc or libnfc")
	flag.StringVar(&readerFlag, "reader", "", "Reader name filter (pcsc) or connstring (libnfc)")
	flag.StringVar(&hostFlag, "host", "127.0.0.1", "Address to listen on")
	flag.IntVar(&portFlag, "port", 18080, "Port to listen on")
	flag.StringVar(&apiSecretFlag, "api-secret", "", "Shared secret required by the API (optional)")
	flag.StringVar(&logFlag, "log", "<root>=INFO", "Logging levels, e.g. <root>=INFO;spooltag.nfc=DEBUG")
	flag.StringVar(&logFileFlag, "log-file", "", "Also write warnings and errors to this file")
	flag.BoolVar(&autoFlag, "auto", false, "Enable automatic tag reading at startup")
	flag.BoolVar(&noMDNSFlag, "no-mdns", false, "Disable mDNS advertisement")
	flag.BoolVar(&cliFlag, "cli", false, "Run in CLI mode (default: system tray mode)")
	flag.BoolVar(&versionFlag, "version", false, "Print version and exit")
	flag.Parse()

	if versionFlag {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	cfg, err := config.Load(configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	closeLog, err := setupLogging(cfg.LogLevels, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	logger.Infof("%s %s", buildinfo.DisplayName, buildinfo.FullVersion())
	agent := NewAgent(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if cliFlag {
		if err := agent.Start(); err != nil {
			logger.Errorf("failed to start agent: %v", err)
			closeLog()
			os.Exit(1)
		}
		defer agent.Stop()

		<-sigChan
		logger.Infof("shutdown signal received, stopping agent...")
		return
	}

	go func() {
		<-sigChan
		systray.Quit()
	}()
	NewSystrayApp(agent).Run()
}
