package main

import (
	"fmt"
	"os"

	"github.com/bombsimon/logrusr/v4"
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	DefaultControlAddr = "127.0.0.1:7778"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
)

var (
	controlAddr string
	logLevel    string
	logFormat   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dapn",
		Short: "dapn - decentralized ad-hoc private network",
		Long: `dapn binds peers by username into point-to-point tunnels and forwards exposed ports
through them.

Run the daemon on every host:

  dapn daemon --user alice --listen :7777 --advertise 203.0.113.1:7777 --uplink eth0

Then drive it from the same host:

  dapn remember bob 203.0.113.2:7777
  dapn bind bob
  dapn expose 8080`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&controlAddr, "control", DefaultControlAddr, "address of the daemon control API")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", DefaultLogFormat, "log format (text, json)")

	rootCmd.AddCommand(
		newDaemonCmd(),
		newBindCmd(),
		newUnbindCmd(),
		newExposeCmd(),
		newUnexposeCmd(),
		newBoundCmd(),
		newExposedCmd(),
		newKnownCmd(),
		newRememberCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the logrus logger from the flags and bridges it into logr for the libraries
func newLogger() (*logrus.Logger, logr.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, logr.Logger{}, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger.SetLevel(level)

	switch logFormat {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, logr.Logger{}, fmt.Errorf("invalid log format %q", logFormat)
	}

	return logger, logrusr.New(logger), nil
}
