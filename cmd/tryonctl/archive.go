package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/provadorai/provador/internal/archive"
	"github.com/provadorai/provador/internal/config"
)

func newArchiveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect archived try-on results",
	}
	cmd.AddCommand(newArchiveFetchCmd(a), newArchiveDeleteCmd(a))
	return cmd
}

func (a *app) openArchive() (*archive.Archive, error) {
	cfg, err := config.LoadArchive(a.envFile)
	if err != nil {
		return nil, err
	}
	return archive.New(cfg)
}

func newArchiveFetchCmd(a *app) *cobra.Command {
	var (
		mime string
		out  string
	)
	cmd := &cobra.Command{
		Use:   "fetch <store-id> <idempotency-key>",
		Short: "Download the result delivered under an idempotency key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := a.openArchive()
			if err != nil {
				return err
			}

			key := archive.ObjectKey(args[0], args[1], mime)
			body, err := arc.Open(cmd.Context(), key)
			if err != nil {
				return err
			}
			defer body.Close()

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := io.Copy(w, body)
			if err != nil {
				return fmt.Errorf("download %s: %w", key, err)
			}
			if out != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", out, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mime, "mime", "image/png", "MIME type the result was stored with")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (stdout by default)")
	return cmd
}

func newArchiveDeleteCmd(a *app) *cobra.Command {
	var mime string
	cmd := &cobra.Command{
		Use:   "delete <store-id> <idempotency-key>",
		Short: "Remove an archived result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := a.openArchive()
			if err != nil {
				return err
			}
			return arc.Delete(cmd.Context(), archive.ObjectKey(args[0], args[1], mime))
		},
	}
	cmd.Flags().StringVar(&mime, "mime", "image/png", "MIME type the result was stored with")
	return cmd
}
