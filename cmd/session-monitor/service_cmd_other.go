//go:build !windows && !linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serviceCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the session monitor system service",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Service management is only available on Windows and Linux.")
	},
}
