package main

import (
	"os"

	"github.com/pterm/pterm"
)

func main() {
	if err := Execute(); err != nil {
		pterm.Error.WithWriter(os.Stderr).Println(err.Error())
		os.Exit(1)
	}
}
