package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/normanking/visemesync/internal/avatar3d"
	"github.com/normanking/visemesync/internal/gltfmodel"
	"github.com/normanking/visemesync/internal/viseme"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <model.glb>",
		Short: "Show the morph-target and clip bindings discovered on a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := gltfmodel.Load(args[0])
			if err != nil {
				return err
			}
			return inspectModel(cmd.OutOrStdout(), model)
		},
	}
}

func inspectModel(out io.Writer, model avatar3d.Model) error {
	animator := avatar3d.NewAnimator(zerolog.Nop())
	if err := animator.Bind(model); err != nil {
		return err
	}

	fmt.Fprintf(out, "Model: %s (root node %q)\n\n", model.ID(), model.RootNode())

	targets := make(map[string][]string)
	for _, m := range model.Meshes() {
		targets[m.ID] = m.MorphTargets
	}

	bindings := animator.Bindings()
	if len(bindings) == 0 {
		fmt.Fprintln(out, "No lip-sync morph targets found")
	} else {
		var rows [][]string
		for _, b := range bindings {
			for _, c := range viseme.All() {
				idx, ok := b.TargetIndexByViseme[c]
				if !ok {
					rows = append(rows, []string{b.MeshID, c.String(), "-", "(none)"})
					continue
				}
				name := ""
				if names := targets[b.MeshID]; idx < len(names) {
					name = names[idx]
				}
				rows = append(rows, []string{b.MeshID, c.String(), strconv.Itoa(idx), name})
			}
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Mesh", "Viseme", "Index", "Target"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
		))
	}
	fmt.Fprintln(out)

	clips := animator.ClipTable()
	rows := make([][]string, 0, len(avatar3d.States))
	for _, s := range avatar3d.States {
		name, ok := clips[s]
		if !ok {
			name = "(keeps current)"
		}
		rows = append(rows, []string{string(s), name})
	}
	fmt.Fprintln(out, renderTable([]string{"State", "Clip"}, rows, nil))
	return nil
}
