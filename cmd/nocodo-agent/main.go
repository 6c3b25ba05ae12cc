package main

import (
	"os"

	"github.com/brainless/nocodo-agent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
