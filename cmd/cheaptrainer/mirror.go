package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cheaptrainer/cheaptrainer/internal/mirror"
)

func newMirrorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Inspect and clean the local dataset mirror",
	}

	var asJSON bool
	ls := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List mirrored folders",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := mirrorStats(a.store())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			printMirrorList(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	ls.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show mirror totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := a.store()
			all, err := mirrorStats(store)
			if err != nil {
				return err
			}
			var files int
			var size int64
			for _, st := range all {
				files += st.Files
				size += st.Bytes
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Mirror Statistics")
			fmt.Fprintln(out, "-----------------")
			fmt.Fprintf(out, "Root:         %s\n", store.Root())
			fmt.Fprintf(out, "Folders:      %d\n", len(all))
			fmt.Fprintf(out, "Files:        %d\n", files)
			fmt.Fprintf(out, "Used:         %s\n", formatSize(size))
			return nil
		},
	}

	rm := &cobra.Command{
		Use:     "rm <folder-id>...",
		Aliases: []string{"remove"},
		Short:   "Delete the mirror of one or more folders",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.store()
			for _, id := range args {
				if err := store.Remove(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed: %s\n", store.Path(id))
			}
			return nil
		},
	}

	cmd.AddCommand(ls, stats, rm)
	return cmd
}

func mirrorStats(store *mirror.Store) ([]mirror.Stats, error) {
	dirs, err := store.Dirs()
	if err != nil {
		return nil, err
	}
	all := make([]mirror.Stats, 0, len(dirs))
	for _, dir := range dirs {
		st, err := store.Stat(dir)
		if err != nil {
			return nil, err
		}
		all = append(all, st)
	}
	return all, nil
}

func printMirrorList(out io.Writer, stats []mirror.Stats) {
	if len(stats) == 0 {
		fmt.Fprintln(out, "Mirror is empty")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tFILES\tSIZE")
	fmt.Fprintln(w, "------\t-----\t----")
	for _, st := range stats {
		fmt.Fprintf(w, "%s\t%d\t%s\n", st.Dir, st.Files, formatSize(st.Bytes))
	}
	w.Flush()
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
