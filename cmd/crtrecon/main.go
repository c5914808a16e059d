/*
Package main is the entry point for the crtrecon command-line application.

crtrecon finds subdomains of a target domain by querying the crt.sh
certificate transparency index, either through its JSON web endpoint or its
public read-only PostgreSQL database. Every attempt runs in an isolated worker
process with a hard timeout; failed attempts are retried and can fail over to
the other backend once.

The hidden `worker` subcommand is the child side of that isolation and is not
meant to be run by hand.
*/
package main

/*
rxtls — fast tool in Go for working with Certificate Transparency logs
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/x-stp/crtrecon/internal/certlib"
	"github.com/x-stp/crtrecon/internal/config"
	"github.com/x-stp/crtrecon/internal/core"
	"github.com/x-stp/crtrecon/internal/metrics"
)

// errTerminated signals that the failure was already reported to the user.
var errTerminated = errors.New("terminated")

// options holds the raw flag values before the config file is merged in.
type options struct {
	retries       int
	timeout       int
	sleep         int
	limit         int
	date          string
	primaryDomain bool
	quiet         bool
	database      bool
	web           bool
	failover      bool
	inProcess     bool
	configPath    string
	metricsAddr   string
	metricsFile   string
	verbose       bool
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "crtrecon [flags] <domain>",
	Short: "crtrecon - subdomain discovery through crt.sh certificate transparency data",
	Args:  cobra.ExactArgs(1),
	// Errors are printed by main so terminal messages keep their exact wording.
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecon(cmd, args[0])
	},
}

var workerCmd = &cobra.Command{
	Use:    core.WorkerCommand,
	Short:  "Run a single isolated crt.sh query (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return core.Serve(context.Background(), os.Stdin, os.Stdout, os.Stderr, core.DefaultExecutors)
	},
}

func init() {
	f := rootCmd.Flags()
	f.IntVarP(&opts.retries, "retries", "r", config.DefaultRetries, "The number of times to retry if there is a failure")
	f.IntVarP(&opts.timeout, "timeout", "t", config.DefaultTimeout, "The number of seconds to wait before an attempt times out")
	f.IntVarP(&opts.sleep, "sleep", "s", config.DefaultSleep, "The number of seconds to wait in between attempts")
	f.IntVarP(&opts.limit, "limit", "l", config.DefaultLimit, "Limit the results in the crt.sh query (DB only). Can help stability")
	f.StringVarP(&opts.date, "date", "d", config.DefaultCutoff(time.Now()), "Restrict search to certs not valid before this date, YYYY-MM-DD (DB only)")
	f.BoolVarP(&opts.primaryDomain, "primary-domain", "p", false, "Restrict results to those containing the passed-in domain")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Just print results, no status messages")
	f.BoolVar(&opts.database, "database", false, "Query crt.sh via DB. The DB dataset is not fully up-to-date with the web dataset")
	f.BoolVar(&opts.database, "db", false, "Alias for --database")
	f.BoolVarP(&opts.web, "web", "w", true, "Query crt.sh via web")
	f.BoolVarP(&opts.failover, "failover", "f", false, "Fail over to the other backend if the initial one hits the retry limit")
	f.BoolVar(&opts.inProcess, "in-process", false, "Run attempts on a goroutine instead of a worker process")
	f.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile on exit")
	f.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	_ = f.MarkHidden("db")
	rootCmd.MarkFlagsMutuallyExclusive("database", "web")
	rootCmd.MarkFlagsMutuallyExclusive("db", "web")

	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errTerminated) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// settings is the fully resolved configuration of one invocation.
type settings struct {
	engine      core.Config
	inProcess   bool
	metricsAddr string
	metricsFile string
}

// resolveSettings merges the config file into opts. Flags the user set
// explicitly win over file values.
func resolveSettings(o *options, file config.File, changed func(string) bool, domain string) (settings, error) {
	pick := func(name string, flagVal, fileVal int) int {
		if changed(name) {
			return flagVal
		}
		return fileVal
	}

	date := file.Date
	if changed("date") {
		date = o.date
	}
	cutoff, err := time.ParseInLocation(certlib.CutoffLayout, date, time.UTC)
	if err != nil {
		return settings{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", date)
	}

	backend := file.Backend
	switch {
	case (changed("database") || changed("db")) && o.database:
		backend = certlib.BackendDatabase
	case changed("web") && o.web:
		backend = certlib.BackendWeb
	}

	s := settings{
		engine: core.Config{
			Domain:      domain,
			Retries:     pick("retries", o.retries, file.Retries),
			Timeout:     time.Duration(pick("timeout", o.timeout, file.Timeout)) * time.Second,
			Sleep:       time.Duration(pick("sleep", o.sleep, file.Sleep)) * time.Second,
			Limit:       pick("limit", o.limit, file.Limit),
			Cutoff:      cutoff,
			PrimaryOnly: o.primaryDomain || file.PrimaryDomain,
			Backend:     backend,
			Failover:    o.failover || file.Failover,
			Quiet:       o.quiet,
			Verbose:     o.verbose,
			Endpoint:    file.Database,
		},
		inProcess:   o.inProcess || file.InProcess,
		metricsAddr: file.MetricsAddr,
		metricsFile: file.MetricsFile,
	}
	if changed("metrics-addr") {
		s.metricsAddr = o.metricsAddr
	}
	if changed("metrics-file") {
		s.metricsFile = o.metricsFile
	}
	return s, s.engine.Validate()
}

func runRecon(cmd *cobra.Command, domain string) error {
	file, err := config.Load(opts.configPath, time.Now())
	if err != nil {
		return err
	}
	s, err := resolveSettings(&opts, file, cmd.Flags().Changed, domain)
	if err != nil {
		return err
	}

	logger := core.NewLogger(os.Stderr, s.engine.Quiet, s.engine.Verbose)

	if s.metricsAddr != "" || s.metricsFile != "" {
		metrics.EnableMetrics()
	}
	if s.metricsAddr != "" {
		if err := metrics.StartMetricsServer(s.metricsAddr); err != nil {
			logger.Warn().Err(err).Msg("failed to start metrics server")
		}
	}
	defer finishMetrics(s, logger)

	var runner core.Runner = &core.ProcessRunner{Stderr: os.Stderr}
	if s.inProcess {
		runner = core.NewGoroutineRunner(core.DefaultExecutors, logger)
	}
	engine, err := core.NewEngine(s.engine, runner, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling; the engine kills the in-flight worker on cancel.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)
	go func() {
		select {
		case <-signalChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	names, err := engine.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, core.TerminationMessage(err))
		return errTerminated
	}
	return printResults(cmd.OutOrStdout(), names, s.engine.Quiet, s.engine.Backend)
}

// printResults writes the hostnames one per line. The empty-result hint
// depends on the backend the user asked for, not the one that answered.
func printResults(w io.Writer, names []string, quiet bool, requested certlib.Backend) error {
	if !quiet {
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	if len(names) == 0 {
		msg := "No results."
		if requested == certlib.BackendDatabase {
			msg = "No results. If you think there should be, try modifying the limit (-l) and date (-d) settings."
		}
		_, err := fmt.Fprintln(w, msg)
		return err
	}
	for _, name := range names {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}

func finishMetrics(s settings, logger zerolog.Logger) {
	if s.metricsFile != "" {
		if err := metrics.WriteTextfile(s.metricsFile); err != nil {
			logger.Warn().Err(err).Str("path", s.metricsFile).Msg("failed to write metrics textfile")
		}
	}
	if s.metricsAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.ShutdownMetricsServer(ctx)
	}
}
