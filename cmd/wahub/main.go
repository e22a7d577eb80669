package main

import (
	"os"

	"github.com/wahub/wahub/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
