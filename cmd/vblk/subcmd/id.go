package subcmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIDCmd() *cobra.Command {
	var (
		configPath string
		filename   string
	)
	cmd := &cobra.Command{
		Use:   "id",
		Short: "query the device ID via a GET_ID request",
		Long:  "vblk id <--disk config.yaml | -f filename>",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := specFromFlags(configPath, filename, true)
			if err != nil {
				return err
			}
			sess, err := openSession(spec)
			if err != nil {
				return err
			}
			defer sess.Close()

			id, err := sess.DeviceID()
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&configPath, "disk", "d", "", "disk definition YAML")
	flags.StringVarP(&filename, "filename", "f", "", "image file path (shortcut for --disk)")
	return cmd
}
