// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command familyvaultd is the FamilyVault per-device daemon: LAN file
// indexing, full-text search, family-device pairing, and on-demand P2P
// file transfer, behind a single process with no UI of its own (spec.md
// §1 places the UI and FFI bridge out of scope).
//
// Grounded on the teacher's cmd/stcrashreceiver and cmd/stupgrades for
// kong.Parse(&params)-as-the-whole-CLI shape, and on the teacher's
// lib/automaxprocs import (here invoked directly via
// go.uber.org/automaxprocs/maxprocs, since this project has no reason to
// keep the teacher's side-effect-only wrapper package) for
// container-aware GOMAXPROCS before anything else runs.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/willabides/kongplete"
	"go.uber.org/automaxprocs/maxprocs"
)

var l = logutil.New("main")

type rootCLI struct {
	DataDir string `help:"Directory holding config, database and cache." default:"${default_data_dir}" env:"FAMILYVAULTD_DATA_DIR"`

	Serve        serveCmd        `cmd:"" default:"1" help:"Run the daemon: LAN discovery, indexing, and peer sync."`
	DeviceID     deviceIDCmd     `cmd:"" help:"Print this device's persistent ID, generating one on first run."`
	CreateFamily createFamilyCmd `cmd:"" help:"Start a new family and print its pairing PIN and QR payload."`
	JoinFamily   joinFamilyCmd   `cmd:"" help:"Join an existing family device over the LAN."`

	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`
}

func main() {
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		l.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		l.Warn("automaxprocs adjustment failed", "err", err)
	}
	if undo != nil {
		defer undo()
	}

	var cli rootCLI
	defaultDataDir, _ := os.UserHomeDir()
	parser := kong.Must(&cli,
		kong.Name("familyvaultd"),
		kong.Description("FamilyVault per-device LAN sync daemon."),
		kong.Vars{"default_data_dir": defaultDataDir + "/.familyvault"},
	)
	kongplete.Complete(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := kctx.Run(&cli); err != nil {
		l.Error("command failed", "command", kctx.Command(), "err", err)
		os.Exit(1)
	}
}
