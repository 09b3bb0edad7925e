package subcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vsrinivas/virtioblk/internal/block"
)

func newInfoCmd() *cobra.Command {
	var filename string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "print basic information about a raw disk image",
		Long:  "vblk info <-f filename>",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filename == "" {
				return cmd.Help()
			}
			dev, err := block.OpenFile(filename, block.FileOptions{ReadOnly: true})
			if err != nil {
				return err
			}
			defer dev.Close()

			fmt.Printf("image:       %s\n", filename)
			fmt.Printf("format:      raw\n")
			fmt.Printf("size:        %d bytes\n", dev.Size())
			fmt.Printf("sectors:     %d\n", dev.Size()/dev.BlockSize())
			fmt.Printf("sector size: %d\n", dev.BlockSize())
			return nil
		},
	}
	cmd.Flags().StringVarP(&filename, "filename", "f", "", "image file path")
	return cmd
}
