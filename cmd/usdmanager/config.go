package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/usdmanager/usdmanager/internal/config"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or save the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "save [FILE]",
		Short: "Write the effective configuration, by default to the user config dir",
		Long: `Save writes the configuration this run loaded, with environment and flag
overrides applied, so later runs pick it up without them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			} else {
				var err error
				if path, err = config.DefaultFile(); err != nil {
					return err
				}
			}
			if err := a.cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved config to %s\n", path)
			return nil
		},
	})

	return cmd
}
