package main

import (
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/integrity"
)

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "detect and repair workspace/database corruption",
}

var integrityAutoRepair bool

func init() {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "scan every session for corruption, without mutating anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			findings, err := disp.IntegrityCheck(rootCtx)
			if err != nil {
				return emitFailure(err, "")
			}
			if integrityAutoRepair && len(findings) > 0 {
				return runRepairs(findings)
			}
			return emitSuccess(findings)
		},
	}
	checkCmd.Flags().BoolVar(&integrityAutoRepair, "repair", false, "repair every finding after reporting it")

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "check, then repair every finding (equivalent to `check --repair`)",
		RunE: func(cmd *cobra.Command, args []string) error {
			findings, err := disp.IntegrityCheck(rootCtx)
			if err != nil {
				return emitFailure(err, "")
			}
			return runRepairs(findings)
		},
	}

	integrityCmd.AddCommand(checkCmd, repairCmd)
}

func runRepairs(findings []integrity.Finding) error {
	results := make([]*integrity.RepairResult, 0, len(findings))
	for _, f := range findings {
		r, err := disp.IntegrityRepair(rootCtx, f)
		if err != nil {
			return emitFailure(err, "a partial repair batch may have already taken backups; check .loom/backups")
		}
		results = append(results, r)
	}
	return emitSuccess(results)
}
