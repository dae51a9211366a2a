// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

// sealogd serves live notifications of changes to a Sealog database.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"

	"github.com/oceandatatools/sealog/agent"
)

var logger = loggo.GetLogger("sealog.cmd.sealogd")

type commandLineArgs struct {
	configPath    string
	listenAddress string
	loggingConfig string
	mongoURL      string
	logFile       string
}

func parseArgs(args []string, stderr io.Writer) (commandLineArgs, error) {
	flags := gnuflag.NewFlagSet("sealogd", gnuflag.ContinueOnError)
	flags.SetOutput(stderr)
	var a commandLineArgs
	flags.StringVar(&a.configPath, "config", "", "path to the YAML configuration file")
	flags.StringVar(&a.listenAddress, "listen", "", "address to serve on, overrides listen-address")
	flags.StringVar(&a.loggingConfig, "logging-config", "", "logging configuration, overrides logging-config")
	flags.StringVar(&a.mongoURL, "mongo-url", "", "MongoDB URL, overrides mongo.url")
	flags.StringVar(&a.logFile, "log-file", "", "write logs to this rotated file instead of stderr")
	if err := flags.Parse(true, args); err != nil {
		return commandLineArgs{}, errors.Trace(err)
	}
	if extra := flags.Args(); len(extra) > 0 {
		return commandLineArgs{}, errors.Errorf("unrecognized arguments: %v", extra)
	}
	return a, nil
}

// loadConfig reads the configuration file and applies the command line
// overrides.
func loadConfig(a commandLineArgs) (agent.Config, error) {
	config, err := agent.ReadConfig(a.configPath)
	if err != nil {
		return agent.Config{}, errors.Trace(err)
	}
	if a.listenAddress != "" {
		config.ListenAddress = a.listenAddress
	}
	if a.loggingConfig != "" {
		config.LoggingConfig = a.loggingConfig
	}
	if a.mongoURL != "" {
		config.Mongo.URL = a.mongoURL
	}
	if err := config.Validate(); err != nil {
		return agent.Config{}, errors.Annotate(err, "invalid configuration")
	}
	return config, nil
}

// logOutput returns where logs are written: stderr, or a rotated file
// when path is set.
func logOutput(stderr io.Writer, path string) io.Writer {
	if path == "" {
		return stderr
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    300, // megabytes
		MaxBackups: 2,
		Compress:   true,
	}
}

func setupLogging(w io.Writer, loggingConfig string) error {
	writer := loggo.NewSimpleWriter(w, logFormatter)
	if _, err := loggo.ReplaceDefaultWriter(writer); err != nil {
		return errors.Trace(err)
	}
	return loggo.ConfigureLoggers(loggingConfig)
}

func logFormatter(entry loggo.Entry) string {
	ts := entry.Timestamp.In(time.UTC).Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%s %s %s %s", ts, entry.Level, entry.Module, entry.Message)
}

// run starts the agent and blocks until it stops or a signal arrives.
// It returns the process exit code.
func run(args []string, stderr io.Writer, signals <-chan os.Signal) int {
	a, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, gnuflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return 2
	}
	config, err := loadConfig(a)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return 1
	}
	if err := setupLogging(logOutput(stderr, a.logFile), config.LoggingConfig); err != nil {
		fmt.Fprintf(stderr, "ERROR setting up logging: %v\n", err)
		return 1
	}

	ag, err := NewAgent(AgentConfig{
		Config: config,
		Clock:  clock.WallClock,
	})
	if err != nil {
		logger.Criticalf("starting: %v", err)
		return 1
	}
	logger.Infof("serving notifications on %s", ag.Addr())

	select {
	case sig := <-signals:
		logger.Infof("received %v, shutting down", sig)
		ag.Kill()
	case <-waitChan(ag):
	}
	if err := ag.Wait(); err != nil {
		logger.Criticalf("stopped: %v", err)
		return 1
	}
	return 0
}

func waitChan(ag *Agent) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = ag.Wait()
		close(done)
	}()
	return done
}

func main() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	os.Exit(run(os.Args[1:], os.Stderr, signals))
}
