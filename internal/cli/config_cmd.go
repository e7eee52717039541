package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"reid/internal/tasks"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdConfigShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdConfigValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) cmdConfigValidate() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	r.log.Info("configuration validation", "status", "valid")
	fmt.Fprintln(r.out, "configuration is valid")
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Fprintf(r.out, "reid %s\n", Version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
	status := r.checkFactory(r.cfg).GetToolStatus()
	for _, name := range tasks.AllTools() {
		state := "unavailable"
		if st := status[name]; st.Available {
			state = "available"
			if st.Version != "" {
				state += " (" + st.Version + ")"
			}
		}
		fmt.Fprintf(r.out, "  %s: %s\n", name, state)
	}
	return nil
}
