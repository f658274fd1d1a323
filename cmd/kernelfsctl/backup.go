package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4"
	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"
)

func newBackupCmd() *cobra.Command {
	var codec string

	cmd := &cobra.Command{
		Use:   "backup <image> <output>",
		Short: "Write a compressed copy of a disk image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			defer in.Close()

			out, err := os.Create(args[1])
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer out.Close()

			var w io.WriteCloser
			switch codec {
			case "lz4":
				w = lz4.NewWriter(out)
			case "xz":
				xw, err := xz.NewWriter(out)
				if err != nil {
					return fmt.Errorf("init xz writer: %w", err)
				}
				w = xw
			default:
				return fmt.Errorf("unknown codec %q, want lz4 or xz", codec)
			}

			if _, err := io.Copy(w, in); err != nil {
				w.Close()
				return fmt.Errorf("compress image: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("finalize %s stream: %w", codec, err)
			}
			cmd.Printf("wrote %s (%s)\n", args[1], codec)
			return nil
		},
	}
	cmd.Flags().StringVar(&codec, "codec", "lz4", "compression codec: lz4 or xz")
	return cmd
}
