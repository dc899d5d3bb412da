package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pandeptwidyaop/formexport/internal/middleware"
)

func newFormsCommand() *cobra.Command {
	var storageDir string

	cmd := &cobra.Command{
		Use:   "forms",
		Short: "List the forms in the local archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if storageDir == "" {
				storageDir = cfg.Storage.Dir
			}
			a, err := openApp(cmd.Context(), cfg, storageDir)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENCRYPTION\tLAST EXPORT")
			for _, f := range a.catalog.All() {
				last := "never"
				if f.LastExportedAt != nil {
					last = f.LastExportedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.ID, f.Name, f.EncryptionMode, last)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&storageDir, "storage-dir", "", "form archive directory (default: storage.dir)")
	return cmd
}

func newHashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the hash of an API token for security.api_token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := middleware.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
