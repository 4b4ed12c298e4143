// Copyright 2020 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for sbictl. Each setting that can be changed from the command line must
// have a flag tag.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"rvsbi.dev/rvsbi/pkg/log"
)

// Config holds the global settings of sbictl.
type Config struct {
	// LogFilename is the filename to log to, if not empty. %COMMAND% and
	// %TIMESTAMP% are replaced.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json, json-k8s or logrus.
	LogFormat string `flag:"log-format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// PanicLog is the file Go runtime messages are written to.
	PanicLog string `flag:"panic-log"`

	// BoardFile is a TOML board description. The built-in K210 is used
	// when it is empty.
	BoardFile string `flag:"board"`

	// MetricsFile receives the counters in Prometheus text format after the
	// command. "-" means stdout.
	MetricsFile string `flag:"metrics"`

	// AlsoLogToStderr sends log messages to stderr as well.
	AlsoLogToStderr bool `flag:"alsologtostderr"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("log", "", "file path where internal debug information is written. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default), json, json-k8s or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("panic-log", "", "file path where panic reports and other Go's runtime messages are written.")
	flagSet.String("board", "", "path to a TOML board description. Defaults to the built-in Kendryte K210.")
	flagSet.String("metrics", "", "file path where ecall counters are written in Prometheus text format when the command completes, or - for stdout.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
}

// validLogFormats are the accepted values of --log-format.
var validLogFormats = map[string]struct{}{
	"text":     {},
	"json":     {},
	"json-k8s": {},
	"logrus":   {},
}

func (c *Config) validate() error {
	if _, ok := validLogFormats[c.LogFormat]; !ok {
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', 'json-k8s' or 'logrus'", c.LogFormat)
	}
	return nil
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags at their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
		}
	}
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
