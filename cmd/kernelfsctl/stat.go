package main

import (
	"fmt"

	"github.com/spf13/cobra"
	times "gopkg.in/djherbis/times.v1"

	"kernelfs/block"
	"kernelfs/fs"
)

func newStatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat <image> <path>",
		Short: "Print an inode's metadata and the image file's host timestamps",
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
			cmd.Printf("sector:    %d\n", ino.Sector())
			cmd.Printf("directory: %t\n", ino.IsDir())
			cmd.Printf("length:    %d bytes\n", store.Length(ino))
			cmd.Printf("parent:    %d\n", ino.Parent())
			cmd.Printf("open:      %d\n", ino.OpenCount())

			ts, err := times.Stat(args[0])
			if err != nil {
				return fmt.Errorf("stat image file: %w", err)
			}
			cmd.Printf("image mtime: %s\n", ts.ModTime())
			if ts.HasChangeTime() {
				cmd.Printf("image ctime: %s\n", ts.ChangeTime())
			}
			if ts.HasBirthTime() {
				cmd.Printf("image btime: %s\n", ts.BirthTime())
			}
			return nil
		},
	}
	return cmd
}
