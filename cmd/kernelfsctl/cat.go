package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kernelfs/block"
	"kernelfs/fs"
)

func newCatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cat <image> <path>",
		Short: "Print a file's contents to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			ino, err := sys.Open(root, args[1])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[1], err)
			}
			defer sys.CloseInode(ino)

			store := sys.Store()
			length := store.Length(ino)
			buf := make([]byte, 4096)
			var offset int64
			for offset < length {
				n, err := store.ReadAt(ino, buf, offset)
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
				if _, err := os.Stdout.Write(buf[:n]); err != nil {
					return err
				}
				offset += int64(n)
			}
			return nil
		},
	}
	return cmd
}
