package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var (
	extended    bool
	versionJSON bool
)

// versionReport is the --json shape of the version command.
type versionReport struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	Go        string `json:"go,omitempty"`
	Gofulmen  string `json:"gofulmen,omitempty"`
	Crucible  string `json:"crucible,omitempty"`
}

func buildVersionReport(full bool) versionReport {
	name := "ratewatch"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		name = identity.BinaryName
	}
	report := versionReport{Name: name, Version: versionInfo.Version}
	if full {
		v := crucible.GetVersion()
		report.Commit = versionInfo.Commit
		report.BuildDate = versionInfo.BuildDate
		report.Go = runtime.Version()
		report.Gofulmen = v.Gofulmen
		report.Crucible = v.Crucible
	}
	return report
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for full details including Crucible and Go versions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		report := buildVersionReport(extended)
		out := cmd.OutOrStdout()

		if versionJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		_, _ = fmt.Fprintf(out, "%s %s\n", report.Name, report.Version)
		if extended {
			_, _ = fmt.Fprintf(out, "Commit: %s\nBuilt: %s\nGo: %s\n\n", report.Commit, report.BuildDate, report.Go)
			_, _ = fmt.Fprintf(out, "Gofulmen: %s\nCrucible: %s\n", report.Gofulmen, report.Crucible)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
}
