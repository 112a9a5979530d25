package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/sds/pkg/hashtree"
	"github.com/fruitsalade/sds/pkg/syncer"
)

func newPushCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <artifact> <dir|archive.zip>",
		Short: "Publish a directory or zip archive as the artifact's new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, input := args[0], args[1]
			c, err := opts.client()
			if err != nil {
				return err
			}
			fsys := afero.NewOsFs()
			src, closeSrc, err := openSource(fsys, input)
			if err != nil {
				return err
			}
			defer closeSrc()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pushing %s to %s (%s)\n", input, artifact, opts.server)
			res, err := syncer.Push(cmd.Context(), c, artifact, src, syncer.PushOptions{
				Report: func(ch hashtree.Change) { printChange(out, ch) },
			})
			if err != nil {
				return err
			}
			if res.Unchanged {
				fmt.Fprintln(out, "Artifact is up to date, nothing pushed.")
				return nil
			}
			fmt.Fprintf(out, "Uploaded %d files (%d bytes), deleted %d.\n", res.Uploaded, res.Bytes, res.Deleted)
			return nil
		},
	}
}

// openSource picks a zip source for regular files and a directory source
// otherwise.
func openSource(fsys afero.Fs, input string) (syncer.Source, func(), error) {
	info, err := fsys.Stat(input)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return syncer.DirSource{Fs: fsys, Dir: input}, func() {}, nil
	}
	if !strings.EqualFold(filepath.Ext(input), ".zip") {
		return nil, nil, fmt.Errorf("%s is neither a directory nor a zip archive", input)
	}
	zs, err := syncer.OpenZip(fsys, input)
	if err != nil {
		return nil, nil, err
	}
	return zs, func() { zs.Close() }, nil
}

func printChange(w io.Writer, ch hashtree.Change) {
	var sym string
	switch ch.Mode {
	case hashtree.New:
		sym = "+"
	case hashtree.Changed:
		sym = "*"
	case hashtree.Deleted:
		sym = "-"
	default:
		sym = " "
	}
	fmt.Fprintf(w, " %s %s\n", sym, ch.Path)
}
