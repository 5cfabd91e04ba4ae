package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cheaptrainer/cheaptrainer/internal/dataset"
	"github.com/cheaptrainer/cheaptrainer/internal/logging"
	"github.com/cheaptrainer/cheaptrainer/internal/models"
)

func newDatasetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Work with image/caption datasets",
	}
	cmd.AddCommand(newDatasetLoadCmd(a))
	return cmd
}

func newDatasetLoadCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "load <folder-id>",
		Short: "Resolve a dataset from the mirror or the remote folder",
		Long: `Load pairs every image (.png, .jpg, .jpeg, .webp) with the caption
(.txt) sharing its base name. The local mirror is used when it holds at
least one pair; otherwise the remote folder is downloaded into the mirror.

Examples:

	cheaptrainer dataset load 1AbCdEfGhIjKlMnOpQrStUv
	cheaptrainer --config prod.yaml dataset load datasets/cats --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := &lazySource{a: a}
			defer source.Close()

			r := dataset.NewResolver(a.store(), source, int(a.cfg.ChunkSize))
			res, err := r.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			batch, err := dataset.NewBatch(res.Samples)
			if err != nil {
				if !errors.Is(err, models.ErrShapeMismatch) {
					return err
				}
				logging.Warn("images differ in size, not stacking a batch", zap.Error(err))
			}

			m := newManifest(res, batch, a.store().Path(args[0]))
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}
			printManifest(cmd.OutOrStdout(), m)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the manifest as JSON")
	return cmd
}

type manifestSample struct {
	BaseName string `json:"base_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Caption  string `json:"caption"`
}

type manifest struct {
	FolderID   string           `json:"folder_id"`
	FolderName string           `json:"folder_name,omitempty"`
	Cache      string           `json:"cache"`
	RunID      string           `json:"run_id"`
	MirrorDir  string           `json:"mirror_dir"`
	BatchShape []int            `json:"batch_shape,omitempty"`
	Samples    []manifestSample `json:"samples"`
}

func newManifest(res *dataset.Result, batch dataset.Batch, mirrorDir string) manifest {
	m := manifest{
		FolderID:   res.Folder.ID,
		FolderName: res.Folder.Name,
		Cache:      res.State.String(),
		RunID:      res.RunID,
		MirrorDir:  mirrorDir,
		Samples:    make([]manifestSample, 0, len(res.Samples)),
	}
	if batch.Len() > 0 {
		m.BatchShape = batch.Images.Shape[:]
	}
	for _, s := range res.Samples {
		m.Samples = append(m.Samples, manifestSample{
			BaseName: s.BaseName,
			Width:    s.Image.Width(),
			Height:   s.Image.Height(),
			Caption:  s.Caption,
		})
	}
	return m
}

func printManifest(out io.Writer, m manifest) {
	fmt.Fprintf(out, "Folder:   %s\n", m.FolderID)
	if m.FolderName != "" {
		fmt.Fprintf(out, "Name:     %s\n", m.FolderName)
	}
	fmt.Fprintf(out, "Cache:    %s\n", m.Cache)
	fmt.Fprintf(out, "Mirror:   %s\n", m.MirrorDir)
	fmt.Fprintf(out, "Run:      %s\n", m.RunID)
	fmt.Fprintf(out, "Samples:  %d\n", len(m.Samples))
	if m.BatchShape != nil {
		fmt.Fprintf(out, "Batch:    %v\n", m.BatchShape)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BASE NAME\tSIZE\tCAPTION")
	fmt.Fprintln(w, "---------\t----\t-------")
	for _, s := range m.Samples {
		fmt.Fprintf(w, "%s\t%dx%d\t%s\n", s.BaseName, s.Width, s.Height, truncate(s.Caption, 60))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
