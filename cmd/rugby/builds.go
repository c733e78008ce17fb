package main

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/RugbyTeam/Rugby/internal/registry"
)

var buildsCmd = &cobra.Command{
	Use:   "builds",
	Short: "builds inspects the build registry",
}

var buildsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list prints all builds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := registry.Open(cmd.Context(), config.DatabasePath())
		if err != nil {
			return err
		}
		defer func() {
			_ = reg.Close()
		}()

		builds, err := reg.List(cmd.Context())
		if err != nil {
			return err
		}
		return printYAML(builds)
	},
}

var buildsGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "get prints one build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(cmd.Context(), config.DatabasePath())
		if err != nil {
			return err
		}
		defer func() {
			_ = reg.Close()
		}()

		b, err := reg.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printYAML(b)
	},
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
