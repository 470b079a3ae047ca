package main

import (
	"os"

	"github.com/slyhq/sly/cmd/slyctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
