package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nilcroak/memoryd/internal/cognitive"
	"github.com/nilcroak/memoryd/internal/sleep"
)

var sleepSkipInsights bool

var sleepCmd = &cobra.Command{
	Use:   "sleep",
	Short: "Run the offline consolidation pipeline (dedup, connect, relate, themes, clusters, calibrate, decay)",
	RunE:  runSleep,
}

func init() {
	sleepCmd.Flags().BoolVar(&sleepSkipInsights, "skip-insights", true, "skip the optional PROMOTE/INSIGHTS phase (currently always skipped; the flag is reserved)")
}

func runSleep(cmd *cobra.Command, args []string) error {
	e, err := openEngines()
	if err != nil {
		return err
	}
	defer e.Close()

	decayEngine := cognitive.New(e.store, 0)
	engine := sleep.New(e.store, e.cfg.Sleep, decayEngine)

	report, err := engine.Run(cmd.Context())
	if err != nil {
		return wrapEngineErr(err)
	}

	for _, p := range report.Phases {
		fmt.Fprintf(cmdOut, "%-10s %v\n", p.Phase, p.Detail)
	}
	return nil
}
