// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for sbictl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"rvsbi.dev/rvsbi/pkg/log"
	"rvsbi.dev/rvsbi/pkg/metric"
	"rvsbi.dev/rvsbi/pkg/sbi"
	"rvsbi.dev/rvsbi/sbictl/cmd"
	"rvsbi.dev/rvsbi/sbictl/cmd/util"
	"rvsbi.dev/rvsbi/sbictl/config"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}
	subcommand := flag.CommandLine.Arg(0)
	startTime := time.Now()

	var emitters log.MultiEmitter
	if conf.LogFilename != "" {
		// O_APPEND so that commands sharing a log pattern without
		// %COMMAND% or %TIMESTAMP% do not clobber each other.
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.CommandFileOpts{
			Command: subcommand,
			Start:   startTime,
		})
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		util.ErrorLogger = f
		emitters = append(emitters, newEmitter(conf.LogFormat, f))
	}
	if conf.AlsoLogToStderr {
		emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
	}
	if len(emitters) == 0 {
		// Stdout and stderr belong to the console; discard the logs if no
		// log is specified.
		emitters = append(emitters, newEmitter("text", io.Discard))
	}

	if conf.PanicLog != "" {
		f, err := os.OpenFile(conf.PanicLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf("error opening panic log %q: %v", conf.PanicLog, err)
		}
		// Dup the panic log over stderr so that Go runtime messages land in
		// it instead of the terminal.
		if err := unix.Dup3(int(f.Fd()), int(os.Stderr.Fd()), 0); err != nil {
			util.Fatalf("error dup'ing panic log to stderr: %v", err)
		}
	}

	switch len(emitters) {
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	const delimString = `**************** sbictl ****************`
	log.Infof(delimString)
	log.Infof("SBI v%d.%d, %s, %s/%s, PID %d", sbi.VersionMajor, sbi.VersionMinor, runtime.Version(), runtime.GOOS, runtime.GOARCH, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	writeMetrics(conf.MetricsFile)
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	if subcmdCode == subcommands.ExitUsageError {
		os.Exit(int(subcmdCode))
	}
	// Return an error that is unlikely to be used by the firmware's payload.
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(128)
}

// writeMetrics writes the counters to path, or to stdout if path is "-".
func writeMetrics(path string) {
	if path == "" {
		return
	}
	w := io.Writer(os.Stdout)
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			log.Warningf("error creating metrics file %q: %v", path, err)
			return
		}
		defer f.Close()
		w = f
	}
	if _, err := metric.Write(w, ""); err != nil {
		log.Warningf("error writing metrics: %v", err)
	}
}

// forEachCmd invokes the passed callback for each command supported by sbictl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.Console), "")
	cb(new(cmd.Ecall), "")
	cb(new(cmd.Validate), "")

	const debugGroup = "debug"
	cb(new(cmd.Dump), debugGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "json-k8s":
		return log.K8sJSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "logrus":
		return log.NewLogrusEmitter(&log.Writer{Next: logFile})
	}
	util.Fatalf("invalid log format %q, must be 'text', 'json', 'json-k8s' or 'logrus'", format)
	panic("unreachable")
}
