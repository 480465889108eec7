package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docuvault/doclease/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the doclease version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", version.Module(), version.Current())
		},
	}
}
