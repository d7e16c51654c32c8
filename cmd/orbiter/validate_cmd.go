package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/orbiter/internal/models"
	"github.com/fentz26/orbiter/internal/recurrence"
)

var (
	validateKind    string
	validateExpr    string
	validateTZ      string
	validatePreview int
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a schedule descriptor and preview its firing instants",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateKind, "kind", "cron", "Schedule kind: cron, rrule, once, event")
	validateCmd.Flags().StringVar(&validateExpr, "expr", "", "Schedule expression")
	validateCmd.Flags().StringVar(&validateTZ, "tz", "UTC", "IANA timezone for interpretation")
	validateCmd.Flags().IntVar(&validatePreview, "preview", 5, "Number of upcoming fires to preview")
	validateCmd.MarkFlagRequired("expr")
}

func runValidate(cmd *cobra.Command, args []string) error {
	kind := models.ScheduleKind(validateKind)

	reasons := recurrence.Validate(kind, validateExpr, validateTZ)
	if len(reasons) > 0 {
		for _, r := range reasons {
			fmt.Printf("invalid: %s\n", r)
		}
		return fmt.Errorf("descriptor rejected")
	}
	fmt.Println("ok")

	if kind == models.ScheduleEvent || validatePreview <= 0 {
		return nil
	}

	fires, err := recurrence.NextNAfter(kind, validateExpr, validateTZ, time.Now().UTC(), validatePreview)
	if err != nil {
		return err
	}
	if len(fires) == 0 {
		fmt.Println("no future occurrences")
		return nil
	}
	loc, _ := time.LoadLocation(validateTZ)
	for _, f := range fires {
		fmt.Printf("%s  (%s)\n", f.Format(time.RFC3339), f.In(loc).Format("Mon 2006-01-02 15:04:05 MST"))
	}
	return nil
}
