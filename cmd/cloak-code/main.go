package main

import (
	"os"

	"github.com/andrewgibson-cic/cloak-code/cmd/cloak-code/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
