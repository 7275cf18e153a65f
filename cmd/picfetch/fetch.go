package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/picfetch/internal/pipeline"
)

func newFetchCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Download a single image and write it to disk",
		Long: `Runs one download through the same pipeline the HTTP service uses and
writes the image to --output. Use "-" to write to stdout. Without --output
the file is named image.<ext> after the returned content type.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.build(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.Pipeline().Download(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("download %s: %w", args[0], err)
			}

			if output == "" {
				output = "image." + pipeline.Extension(result.ContentType)
			}
			if err := writeOutput(cmd.OutOrStdout(), output, result.Body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "saved %d bytes (%s) to %s\n", result.ByteLength, result.ContentType, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", `output file, or "-" for stdout`)
	return cmd
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "-" {
		if _, err := stdout.Write(data); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
