// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
	"github.com/psbtkit/psbtkit/wallet"
	"github.com/psbtkit/psbtkit/wallet/hwsigner"
	"github.com/psbtkit/psbtkit/wallet/signer"
)

const (
	// logFilename is the name of the log file inside the log directory.
	logFilename = "psbtctl.log"

	// maxLogFileSize is the size in KB after which the log rolls.
	maxLogFileSize = 10 * 1024

	// maxLogRolls is the number of rolled files kept.
	maxLogRolls = 3
)

// logWriter implements an io.Writer that outputs to stderr and to the
// write end of the log rotator pipe when it is initialized.
type logWriter struct{}

// Write writes b to stderr and the log rotator.
func (logWriter) Write(b []byte) (int, error) {
	os.Stderr.Write(b)
	if logRotatorPipe != nil {
		logRotatorPipe.Write(b)
	}

	return len(b), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It is only set once the
	// data directory is known.
	logRotator *rotator.Rotator

	// logRotatorPipe is the write end of the pipe feeding logRotator.
	logRotatorPipe *io.PipeWriter

	log       = backendLog.Logger("CTL ")
	walletLog = backendLog.Logger("TXCR")
	signerLog = backendLog.Logger("SGNR")
	hwLog     = backendLog.Logger("HWSG")
	kvdbLog   = backendLog.Logger("KVDB")
)

// subsystemLoggers maps each subsystem identifier to its logger.
var subsystemLoggers = map[string]btclog.Logger{
	"CTL":  log,
	"TXCR": walletLog,
	"SGNR": signerLog,
	"HWSG": hwLog,
	"KVDB": kvdbLog,
}

func init() {
	wallet.UseLogger(walletLog)
	signer.UseLogger(signerLog)
	hwsigner.UseLogger(hwLog)
	wallet.UseKeyCacheLogger(kvdbLog)
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, maxLogFileSize, false, maxLogRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		if err := r.Run(pr); err != nil {
			fmt.Fprintf(os.Stderr, "failed to run file rotator: "+
				"%v\n", err)
		}
	}()

	logRotator = r
	logRotatorPipe = pw

	return nil
}

// closeLogRotator flushes and closes the log file, if any.
func closeLogRotator() {
	if logRotator != nil {
		_ = logRotatorPipe.Close()
		_ = logRotator.Close()
	}
}

// setLogLevels sets the log level of every subsystem.
func setLogLevels(logLevel string) {
	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}
