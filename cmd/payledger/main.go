// Command payledger runs the balance ledger and TON payment reconciler.
//
// Usage:
//
//	payledger setup
//	payledger serve --config config.yaml
//	payledger intent create --user alice --amount 1.5
//
// Environment variables:
//
//	TONCENTER_API_KEY      API key for toncenter.com
//	PAYLEDGER_STORAGE_DSN  PostgreSQL DSN for the postgres backend
package main

import (
	"fmt"
	"os"

	"github.com/vadiminshakov/payledger/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
