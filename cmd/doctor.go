package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mediagrabber/services"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check external tools and output disk space",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		settings, err := loadSettings(true)
		if err != nil {
			return err
		}
		out := c.OutOrStdout()

		missing := 0
		for _, dep := range services.CheckDependencies() {
			if dep.Found {
				fmt.Fprintf(out, "ok       %-8s %s\n", dep.Name, dep.Path)
				continue
			}
			missing++
			fmt.Fprintf(out, "missing  %-8s install it and make sure it is on PATH\n", dep.Name)
		}

		output, err := services.NewOutputManager(settings.OutputDir)
		if err != nil {
			return err
		}
		used, free, err := output.GetDiskUsage()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "disk     %s free, %s used (%s)\n", humanize.Bytes(free), humanize.Bytes(used), settings.OutputDir)
		if need := settings.JobSizeEstimateBytes + settings.MinFreeBytes; free < need {
			fmt.Fprintf(out, "warning  less than %s free; old jobs will be evicted\n", humanize.Bytes(need))
		}

		if missing > 0 {
			return fmt.Errorf("%d required tool(s) missing", missing)
		}
		return nil
	},
}
