// Command xctfctl is an operator CLI for xctf-sandboxd: currently a single
// "seed" subcommand that bulk-loads challenge definitions from a YAML
// descriptor file, the Go equivalent of the original platform's
// setup_challenges management command.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/xctf-platform/sandboxd/internal/config"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "xctfctl: load config: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "seed":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: xctfctl seed <descriptor.yaml>")
			os.Exit(1)
		}
		if err := runSeed(cfg, os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "xctfctl: seed: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: xctfctl <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  seed <descriptor.yaml>   upsert challenges from a descriptor file")
}
