// Copyright 2018 Axel Wagner
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

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/subcommands"
	"github.com/nbdserve/nbd"
)

func init() {
	commands = append(commands, &serveCmd{})
}

type serveCmd struct {
	addr     string
	unix     string
	readOnly bool
}

func (cmd *serveCmd) Name() string { return "serve" }

func (cmd *serveCmd) Synopsis() string { return "serve a file or block device over NBD" }

func (cmd *serveCmd) Usage() string {
	return `Usage: nbdserve serve [flags] <file> [name] [description]

Serve file over NBD as a single export. name defaults to the file's base
name; description defaults to empty.
`
}

func (cmd *serveCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.addr, "addr", ":10809", "address to listen on")
	fs.StringVar(&cmd.unix, "unix", "", "additionally listen on this unix domain socket path")
	fs.BoolVar(&cmd.readOnly, "ro", false, "serve the export read-only")
}

func (cmd *serveCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() < 1 || fs.NArg() > 3 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}
	path := fs.Arg(0)
	name := filepath.Base(path)
	if fs.NArg() >= 2 {
		name = fs.Arg(1)
	}
	description := ""
	if fs.NArg() >= 3 {
		description = fs.Arg(2)
	}

	ex, err := nbd.NewExport(path, name, description, cmd.readOnly)
	if err != nil {
		log.Print(err)
		return subcommands.ExitFailure
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "nbdserve: ", log.LstdFlags)
	if err := nbd.ListenAndServe(ctx, logger, ex, cmd.addr, cmd.unix); err != nil {
		log.Print(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
