package main

import (
	_ "time/tzdata"

	"github.com/devpulse/devpulse/cli"
)

func main() {
	var rootCmd cli.RootCmd
	rootCmd.RunMain()
}
