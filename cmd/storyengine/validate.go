package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/storyengine/pkg/story"
)

var validateCmd = &cobra.Command{
	Use:   "validate <story-file>",
	Short: "Build a story definition and report its problems",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := story.LoadFile(args[0])
	if err != nil {
		return err
	}
	g, err := story.Build(def)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, w := range g.Warnings() {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	fmt.Fprintf(out, "%s is valid (%d lines, entrypoint %s)\n", g.Story(), g.Len(), g.Entrypoint())
	return nil
}
