package main

import (
	"os"

	"github.com/loxscript/loxc/cmd"
)

func main() {
	if err := cmd.App().Execute(); err != nil {
		os.Exit(1)
	}
}
