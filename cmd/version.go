package cmd

import (
	"fmt"
	"runtime"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Show version information",
		// No config needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			r := lipgloss.NewRenderer(cmd.OutOrStdout())
			brand := r.NewStyle().Bold(true).Foreground(colorCyan)
			label := r.NewStyle().Foreground(colorDim)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", brand.Render("botconsole"), version)
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", label.Render("Go     "), runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "  %s %s/%s\n", label.Render("OS/Arch"), runtime.GOOS, runtime.GOARCH)
		},
	}
}
