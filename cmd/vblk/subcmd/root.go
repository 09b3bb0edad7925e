// Package subcmd implements the vblk command line: raw disk image tooling
// that drives images through the actual virtio block device backend.
package subcmd

import (
	"github.com/spf13/cobra"

	"github.com/vsrinivas/virtioblk/internal/debug"
)

// NewCommand builds the vblk root command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vblk",
		Short:         "raw virtio disk image utilities",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// VBLK_DEBUG=stderr (or a file path) traces device hot paths.
			return debug.OpenFromEnv()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return debug.Close()
		},
	}

	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newInfoCmd())
	cmd.AddCommand(newDdCmd())
	cmd.AddCommand(newIDCmd())
	return cmd
}
