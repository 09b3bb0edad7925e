package main

import (
	"fmt"
	"os"

	"github.com/vsrinivas/virtioblk/cmd/vblk/subcmd"
)

func main() {
	if err := subcmd.NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
