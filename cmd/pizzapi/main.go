package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // set via -ldflags at build time

func main() {
	root := &cobra.Command{
		Use:           "pizzapi",
		Short:         "PizzaPi — distributed AI-agent sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(hubCmd())
	root.AddCommand(runnerCmd())
	root.AddCommand(keygenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
