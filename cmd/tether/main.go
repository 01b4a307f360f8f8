package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/tether-sh/tether/internal/bridged"
	"github.com/tether-sh/tether/internal/brokerd"
	"github.com/tether-sh/tether/internal/proxyd"
	"github.com/tether-sh/tether/internal/shim"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	args := os.Args
	if len(args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch args[1] {
	case "--version", "version":
		printVersion()
	case "broker":
		run(brokerd.Main(args[2:]))
	case "bridge":
		run(bridged.Main(args[2:]))
	case "proxy":
		run(proxyd.Main(args[2:]))
	case "shim":
		if err := shim.Main(args[2:]); err != nil {
			var exitErr *shim.ExitCodeError
			if errors.As(err, &exitErr) {
				os.Exit(exitErr.ExitCode())
			}
			log.Fatal(err)
		}
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n\n", args[1])
		printUsage()
		os.Exit(2)
	}
}

func run(err error) {
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `usage: tether <mode> [flags]

modes:
  broker    run the host-side credential broker (owns the bridge socket)
  bridge    relay a local TCP port onto the bridge socket
  proxy     serve a local HTTP endpoint forwarding requests to the broker
  shim      forward one command invocation to the broker
  version   print build information
`)
}

func printVersion() {
	shortHash := commit
	if len(shortHash) > 7 {
		shortHash = shortHash[:7]
	}
	fmt.Printf("version: %s\n", version)
	fmt.Printf("git hash: %s\n", shortHash)
	fmt.Printf("build date: %s\n", buildDate)
}
