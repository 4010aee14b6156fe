// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
)

const (
	defaultNetwork  = "mainnet"
	defaultLogLevel = "info"
	defaultLogDir   = "logs"
)

var (
	defaultDataDir = btcutil.AppDataDir("psbtctl", false)

	// errUnknownNetwork is returned for an unsupported --network value.
	errUnknownNetwork = errors.New("unknown network")

	// errInvalidLogLevel is returned for an unsupported --debuglevel.
	errInvalidLogLevel = errors.New("invalid debug level")
)

// config holds the options shared by every command.
type config struct {
	Network    string `long:"network" description:"Bitcoin network" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`
	DataDir    string `long:"datadir" description:"Directory holding the device key cache and the logs"`
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical, off}"`
	NoLogFile  bool   `long:"nologfile" description:"Only log to stderr"`

	params *chaincfg.Params
}

// defaultConfig returns the config with every default filled in.
func defaultConfig() *config {
	return &config{
		Network:    defaultNetwork,
		DataDir:    defaultDataDir,
		DebugLevel: defaultLogLevel,
	}
}

// networkParams returns the chain parameters of a network name.
func networkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet":
		return &chaincfg.TestNet3Params, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownNetwork, network)
	}
}

// validate checks the parsed options and resolves derived values. It is run
// before every command.
func (c *config) validate() error {
	params, err := networkParams(c.Network)
	if err != nil {
		return err
	}
	c.params = params

	if _, ok := btclog.LevelFromString(c.DebugLevel); !ok {
		return fmt.Errorf("%w: %q", errInvalidLogLevel, c.DebugLevel)
	}

	c.DataDir = cleanAndExpandPath(c.DataDir)

	return nil
}

// logFile returns the path of the log file of the configured network.
func (c *config) logFile() string {
	return filepath.Join(
		c.DataDir, defaultLogDir, c.params.Name, logFilename,
	)
}

// keyCacheDir returns the directory of the device key cache of the
// configured network.
func (c *config) keyCacheDir() string {
	return filepath.Join(c.DataDir, c.params.Name)
}

// cleanAndExpandPath expands a leading ~ to the home directory and cleans
// the result.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", homeDir, 1)
		}
	}

	return filepath.Clean(path)
}
