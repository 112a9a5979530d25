package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/sds/pkg/hashtree"
	"github.com/fruitsalade/sds/pkg/syncer"
)

// handlerFactory builds the per-change decision for one run of a sync command.
type handlerFactory func(cmd *cobra.Command) syncer.ChangeHandler

func newPullCmd(opts *globalOptions) *cobra.Command {
	return newSyncCmd(opts, "pull", "Bring a local directory in line with the artifact",
		func(cmd *cobra.Command) syncer.ChangeHandler {
			out := cmd.OutOrStdout()
			return func(ch hashtree.Change) bool {
				printChange(out, ch)
				return true
			}
		})
}

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	return newSyncCmd(opts, "verify", "Report how a local directory differs from the artifact",
		func(cmd *cobra.Command) syncer.ChangeHandler {
			out := cmd.OutOrStdout()
			return func(ch hashtree.Change) bool {
				printChange(out, ch)
				return false
			}
		})
}

func newMonkeyCmd(opts *globalOptions) *cobra.Command {
	var filter string
	cmd := newSyncCmd(opts, "monkey", "Ask before applying each change",
		func(cmd *cobra.Command) syncer.ChangeHandler {
			return askHandler(cmd.InOrStdin(), cmd.OutOrStdout(), filter)
		})
	cmd.Flags().StringVar(&filter, "filter", "", "only offer changes whose path contains this text (case-insensitive)")
	return cmd
}

// askHandler prompts on out and reads y/N answers from in. Changes not
// matching filter are skipped without asking.
func askHandler(in io.Reader, out io.Writer, filter string) syncer.ChangeHandler {
	answers := bufio.NewScanner(in)
	filter = strings.ToLower(filter)
	return func(ch hashtree.Change) bool {
		if filter != "" && !strings.Contains(strings.ToLower(ch.Path), filter) {
			return false
		}
		printChange(out, ch)
		fmt.Fprint(out, "Should I perform this change (y/N)? ")
		if !answers.Scan() {
			fmt.Fprintln(out, "Skipped...")
			return false
		}
		return strings.EqualFold(strings.TrimSpace(answers.Text()), "y")
	}
}

func newSyncCmd(opts *globalOptions, use, short string, handler handlerFactory) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <artifact> [dir]",
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, dir := args[0], "."
			if len(args) == 2 {
				dir = args[1]
			}
			c, err := opts.client()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Synchronizing %s from %s into %s\n", artifact, opts.server, dir)
			fmt.Fprintln(out, "-----------------------------------------------")
			sum, err := syncer.Pull(cmd.Context(), c, artifact, afero.NewOsFs(), dir, syncer.PullOptions{
				Handler: handler(cmd),
			})
			if err != nil {
				return err
			}
			printSummary(out, sum)
			if sum.Failures > 0 {
				return fmt.Errorf("%d files could not be synchronised: %s", sum.Failures, strings.Join(sum.Failed, ", "))
			}
			return nil
		},
	}
}

func printSummary(w io.Writer, sum *syncer.Summary) {
	fmt.Fprintln(w, "-----------------------------------------------")
	fmt.Fprintf(w, "Files checked......%10d\n", sum.Checked)
	fmt.Fprintf(w, "Files added........%10d\n", sum.Added)
	fmt.Fprintf(w, "Files changed......%10d\n", sum.Changed)
	fmt.Fprintf(w, "Files removed......%10d\n", sum.Removed)
	fmt.Fprintf(w, "Changes skipped....%10d\n", sum.Skipped)
	fmt.Fprintf(w, "Failures...........%10d\n", sum.Failures)
	fmt.Fprintln(w, "-----------------------------------------------")
}
