package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cheaptrainer/cheaptrainer/internal/lora"
)

func newLoRACmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lora",
		Short: "Manage trained LoRA weights",
	}
	cmd.AddCommand(newLoRASaveCmd(a))
	return cmd
}

func newLoRASaveCmd(a *app) *cobra.Command {
	var (
		prefix string
		steps  int
	)

	cmd := &cobra.Command{
		Use:   "save <folder-id> <file.safetensors>",
		Short: "Upload a LoRA safetensors file to a remote folder",
		Long: `Save uploads the file as <prefix>_<counter>_.safetensors, or
<prefix>_<steps>_steps_<counter>_.safetensors when --steps is given. The
counter is one more than the highest counter already in the folder.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			backend, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			opts := lora.Options{Prefix: prefix}
			if cmd.Flags().Changed("steps") {
				opts.Steps = &steps
			}

			asset, err := lora.NewSaver(backend).Save(cmd.Context(), args[0], f, info.Size(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%s) as %s\n", asset.Name, formatSize(asset.Size), asset.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", lora.DefaultPrefix, "file name prefix")
	cmd.Flags().IntVar(&steps, "steps", 0, "training steps to embed in the file name")
	return cmd
}
