/*
ledgerctl - administrative CLI for the transfer ledger

Runs ledger operations directly against the configured store, without the
HTTP server. Store and limit settings come from the same defaults, .env,
LEDGER_* variables and flags as cmd/server; global flags go before the
subcommand.

EXAMPLES:
  ledgerctl open -id alice -balance 100
  ledgerctl -db-driver=postgres -db=$URL transfer -key order-7 alice bob 12.50
  ledgerctl transfers -account alice
  ledgerctl export -o transfers.csv
  ledgerctl audit
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/warp/transfer-ledger/config"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg.RegisterFlags(flag.CommandLine)

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	for _, c := range Commands {
		commander.Register(c, "")
	}

	flag.Parse()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(int(commander.Execute(context.Background(), cfg)))
}
