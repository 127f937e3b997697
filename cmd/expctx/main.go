package main

import (
	"os"

	"github.com/expctx/expctx/cmd/expctx/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
