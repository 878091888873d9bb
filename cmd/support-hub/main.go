package main

import (
	"fmt"
	"os"

	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/cmd"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := cmd.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
