// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command psbtctl builds, signs and finalizes partially signed bitcoin
// transactions from the command line.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) &&
			flagErr.Type == flags.ErrHelp {

			fmt.Fprintln(os.Stdout, flagErr.Message)
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run parses args and executes the selected command.
func run(args []string, in io.Reader, out io.Writer) error {
	cfg := defaultConfig()
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)

	err := registerCommands(parser, cfg, in, out)
	if err != nil {
		return err
	}

	parser.CommandHandler = func(cmd flags.Commander,
		args []string) error {

		if cmd == nil {
			return nil
		}

		if err := cfg.validate(); err != nil {
			return err
		}

		if !cfg.NoLogFile {
			if err := initLogRotator(cfg.logFile()); err != nil {
				return err
			}
			defer closeLogRotator()
		}
		setLogLevels(cfg.DebugLevel)

		return cmd.Execute(args)
	}

	_, err = parser.ParseArgs(args)

	return err
}
