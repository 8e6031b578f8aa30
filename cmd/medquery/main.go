package main

import (
	"os"

	"github.com/omopmed/medquery/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
