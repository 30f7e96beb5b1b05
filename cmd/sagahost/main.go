package main

import (
	"fmt"
	"os"

	"github.com/abecu-hub/go-bus/cmd/sagahost/commands"
)

// Version information - set during build
var version = "dev"

func main() {
	commands.SetVersion(version)

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
