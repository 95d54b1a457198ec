package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove sandbox containers left behind by a previous run",
	Long: `reap force-removes every container labeled as managed by ptcgate.
Run it only while no gateway is serving against the same container runtime.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		exec, rt, err := newExecutor(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := exec.Reap(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d container(s)\n", n)
		return nil
	},
}
