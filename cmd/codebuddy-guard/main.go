// Package main provides the entry point for the codebuddy-guard CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/phuetz/code-buddy-sub007/cmd/codebuddy-guard/commands"
	"github.com/phuetz/code-buddy-sub007/internal/logging"
)

func main() {
	err := commands.Execute()
	logging.Close()
	if err != nil {
		var exit *commands.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
