// Package main provides the entry point for the roverhub XMPP broker.
// The broker terminates a subset of XMPP 1.0 on a single TCP endpoint
// and routes control traffic between appliance (bot) and controller
// sessions.
//
// Usage:
//
//	roverhubd [flags]
//
// Flags:
//
//	-listen string       XMPP listen address (default ":5223")
//	-cert string         TLS certificate file for STARTTLS
//	-key string          TLS private key file for STARTTLS
//	-ca string           CA bundle file
//	-db string           credentials store path (default "roverhub.json")
//	-auth                require stored authcodes for controllers
//	-strict-match        require exact uid match when routing
//	-debug               enable debug logging
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/roverhub/roverhub/lib/store"
	"github.com/roverhub/roverhub/lib/xmpp"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Build info
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// options holds the daemon configuration gathered from flags and the
// environment.
type options struct {
	cfg    *xmpp.Config
	dbPath string
	debug  bool
}

func main() {
	opts := parseFlags()

	// Configure logging
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if opts.debug {
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	log.WithFields(logrus.Fields{
		"version":   Version,
		"buildTime": BuildTime,
		"commit":    GitCommit,
	}).Info("Starting roverhub XMPP broker")

	// Open credentials store
	creds, err := store.NewFileStore(opts.dbPath)
	if err != nil {
		log.WithError(err).Error("Failed to open credentials store")
		os.Exit(1)
	}
	defer creds.Close()

	server, err := xmpp.NewServer(opts.cfg, creds, log)
	if err != nil {
		log.WithError(err).Error("Failed to create server")
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		log.WithField("addr", opts.cfg.ListenAddr).Info("XMPP broker listening")
		if err := server.ListenAndServe(); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-errChan:
		log.WithError(err).Error("Server error")
	}

	// Graceful shutdown
	log.Info("Shutting down...")

	if err := server.Close(); err != nil {
		log.WithError(err).Warn("Error stopping server")
	}

	log.Info("roverhub stopped")
}

func parseFlags() *options {
	cfg := xmpp.DefaultConfig()
	opts := &options{cfg: cfg}

	flag.StringVar(&cfg.ListenAddr, "listen", xmpp.DefaultListenAddr, "XMPP listen address")
	flag.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file for STARTTLS")
	flag.StringVar(&cfg.KeyFile, "key", "", "TLS private key file for STARTTLS")
	flag.StringVar(&cfg.CAFile, "ca", "", "CA bundle file")
	flag.BoolVar(&cfg.UseAuth, "auth", false, "Require stored authcodes for controllers")
	flag.BoolVar(&cfg.StrictMatch, "strict-match", false, "Require exact uid match when routing")
	flag.StringVar(&opts.dbPath, "db", "roverhub.json", "Credentials store path")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Parse()

	if *showVersion {
		fmt.Printf("roverhubd %s\n", Version)
		fmt.Printf("Build time: %s\n", BuildTime)
		fmt.Printf("Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	if *showHelp {
		fmt.Println("roverhubd - XMPP control broker for embedded appliances")
		fmt.Println()
		fmt.Println("Usage: roverhubd [flags]")
		fmt.Println()
		fmt.Println("Flags:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Environment variables:")
		fmt.Println("  ROVERHUB_LISTEN   XMPP listen address (overrides -listen)")
		fmt.Println("  ROVERHUB_DB       Credentials store path (overrides -db)")
		fmt.Println("  ROVERHUB_DEBUG    Enable debug logging (overrides -debug)")
		os.Exit(0)
	}

	// Override with environment variables if set
	if envListen := os.Getenv("ROVERHUB_LISTEN"); envListen != "" {
		cfg.ListenAddr = envListen
	}
	if envDB := os.Getenv("ROVERHUB_DB"); envDB != "" {
		opts.dbPath = envDB
	}
	if os.Getenv("ROVERHUB_DEBUG") != "" {
		opts.debug = true
	}

	return opts
}
