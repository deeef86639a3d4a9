package main

import (
	"fmt"
	"os"

	"github.com/BrandonDHaskell/Portunus/node/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "portunus-node:", err)
		os.Exit(1)
	}
}
