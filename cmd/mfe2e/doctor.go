package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/memfault/yocto-e2e/internal/doctor"
)

func newDoctorCommand(a *app) *cobra.Command {
	var (
		skipBuild  bool
		skipRemote bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the build output and Memfault credentials before a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []doctor.Option{doctor.WithLogger(a.logger)}
			if !skipRemote {
				if client, err := a.memfaultClient(); err == nil {
					opts = append(opts, doctor.WithDeviceReader(client))
				}
			}
			manager, err := doctor.NewManager(a.cfg, opts...)
			if err != nil {
				return err
			}

			report := manager.Run(cmd.Context(), doctor.Scope{Build: !skipBuild, Remote: !skipRemote})
			if asJSON {
				if err := printResult(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, result := range report.Results {
					fmt.Fprintf(writer, "%s\t%s\t%s\n", result.Status, result.Name, result.Detail)
				}
				if err := writer.Flush(); err != nil {
					return err
				}
			}
			if report.Failed() {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
	addImageFlag(cmd, a)
	flags := cmd.Flags()
	flags.BoolVar(&skipBuild, "skip-build", false, "skip the build directory checks")
	flags.BoolVar(&skipRemote, "skip-remote", false, "skip the Memfault credential checks")
	flags.BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
