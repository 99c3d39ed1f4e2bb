// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary privcmdctl inspects the privcmd configuration and issues privileged
// calls through the host privcmd device.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/privcmd/pkg/privcmd/privcmdconf"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file; defaults are used if unset")
	debug      = flag.Bool("debug", false, "enable debug logging")
	logFormat  = flag.String("log-format", "text", "log format: text (default) or json")
)

// conf is the configuration loaded from -config. Commands register flags
// overriding its fields.
var conf *privcmdconf.Config

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(configCmd), "")
	subcommands.Register(new(hypercallCmd), "")
	subcommands.Register(new(resourceSizeCmd), "")

	flag.Parse()

	e, err := newEmitter(*logFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	log.SetTarget(e)
	if *debug {
		log.SetLevel(log.Debug)
	}

	conf, err = loadConfig(*configPath)
	if err != nil {
		log.Warningf("%v", err)
		os.Exit(int(subcommands.ExitFailure))
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

func newEmitter(format string, w io.Writer) (log.Emitter, error) {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
}

func loadConfig(path string) (*privcmdconf.Config, error) {
	if path == "" {
		return privcmdconf.Default(), nil
	}
	return privcmdconf.Load(path)
}
