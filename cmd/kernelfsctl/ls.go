package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kernelfs/block"
	"kernelfs/fs"
)

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls <image> [path]",
		Short: "List a directory's entries",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 2 {
				path = args[1]
			}

			dev, err := block.OpenFile(args[0], block.RoleFilesystem)
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			defer dev.Close()

			sys, err := fs.NewSystem(dev, log)
			if err != nil {
				return fmt.Errorf("load filesystem: %w", err)
			}
			defer sys.Shutdown()

			root := sys.Root()
			defer sys.CloseInode(root.Inode())

			dir, err := sys.Chdir(root, path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer sys.CloseInode(dir.Inode())

			for {
				name, ok, err := dir.Readdir()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				cmd.Println(name)
			}
			return nil
		},
	}
	return cmd
}
