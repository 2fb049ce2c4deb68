package main

import (
	"fmt"
	"os"

	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	backendArgs string
	noColor     bool
)

var rootCmd = &cobra.Command{
	Use:   "roomctl",
	Short: "Inspect the rooms stored by the relay",
	Long:  "Read room records straight from a relay backend, without a running relay.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.Disable()
		}
	},
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&backendArgs, "backend", os.Getenv("ROOM_BACKEND"),
		`backend tag and arguments, e.g. "fs /var/lib/rooms" (defaults to $ROOM_BACKEND)`)
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(listCmd, getCmd, backendsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}
