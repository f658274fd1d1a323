package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kernelfs/block"
	"kernelfs/fs"
)

func newMkfsCmd() *cobra.Command {
	var sectors uint32

	cmd := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "Create and format a new filesystem image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := block.CreateFile(args[0], sectors, block.RoleFilesystem)
			if err != nil {
				return fmt.Errorf("create image: %w", err)
			}
			defer dev.Close()

			sys, err := fs.Format(dev, log)
			if err != nil {
				return fmt.Errorf("format: %w", err)
			}
			defer sys.Shutdown()

			id, err := dev.UUID()
			if err == nil {
				cmd.Printf("formatted %s (%d sectors, uuid %s)\n", args[0], sectors, id)
			} else {
				cmd.Printf("formatted %s (%d sectors)\n", args[0], sectors)
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&sectors, "sectors", 16384, "image size in 512-byte sectors")
	return cmd
}
