// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command mergeserver hosts the push-based shuffle merge engine. The
// RPC transport that frames pushes and streams bytes off the wire is
// out of scope (spec.md §1): this binary wires configuration, the
// application registry, and the merge façade, and exposes them to
// whatever transport is compiled in through the loopback harness in
// this package.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sneller-oss/shufflemerge/internal/mergeconfig"
	"github.com/sneller-oss/shufflemerge/internal/mergelog"
	"github.com/sneller-oss/shufflemerge/internal/mergemgr"
)

var version = "development"

func main() {
	cmd := flag.NewFlagSet("mergeserver", flag.ExitOnError)
	configPath := cmd.String("c", "", "path to mergeserver.yaml (optional; defaults applied otherwise)")
	logPrefix := cmd.String("l", "mergeserver", "logger name prefix")

	if cmd.Parse(os.Args[1:]) != nil {
		os.Exit(1)
	}

	logger := mergelog.New(*logPrefix)

	cfg := mergeconfig.Default()
	if *configPath != "" {
		loaded, err := mergeconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("mergeserver: loading config: %v", err)
		}
		cfg = loaded
	}

	mgr := mergemgr.New(cfg, logger)
	defer mgr.Close()

	logger.Infof("mergeserver %s starting (minChunkSize=%d indexCacheSize=%d ioExceptionsThreshold=%d)",
		version, cfg.MinChunkSize, cfg.IndexCacheSize, cfg.IOExceptionsThreshold)

	harness := newLoopbackHarness(mgr)
	harness.start()
	defer harness.stop()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Infof("mergeserver shutting down")
}
