package subcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vsrinivas/virtioblk/internal/block"
)

func newCreateCmd() *cobra.Command {
	var (
		filename string
		size     string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a new raw disk image",
		Long:  "vblk create <-f filename> <-s size>",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filename == "" || size == "" {
				return cmd.Help()
			}
			bytes, err := parseSize(size)
			if err != nil {
				return err
			}
			if rem := bytes % block.SectorSize; rem != 0 {
				// Round up so sizes like "1000" still make a valid disk.
				bytes += block.SectorSize - rem
			}
			if err := block.Create(filename, bytes); err != nil {
				return err
			}
			fmt.Printf("created %s (%d sectors, %d bytes)\n", filename, bytes/block.SectorSize, bytes)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&filename, "filename", "f", "", "image file path")
	flags.StringVarP(&size, "size", "s", "", "image size, with optional k/m/g/t suffix")
	return cmd
}
