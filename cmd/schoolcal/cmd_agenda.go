package main

import (
	"time"

	"github.com/spf13/cobra"

	"schoolcal/internal/agenda"
	"schoolcal/internal/app"
	"schoolcal/internal/metrics"
)

var agendaFlags struct {
	member string
	from   string
	to     string
	ics    bool
}

var agendaCmd = &cobra.Command{
	Use:   "agenda",
	Short: "Print the merged agenda for a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := flagDate("from", agendaFlags.from)
		if err != nil {
			return err
		}
		if from.IsZero() {
			from = time.Now().In(cfg.Location)
		}
		to, err := flagDate("to", agendaFlags.to)
		if err != nil {
			return err
		}

		application, err := app.New(cfg, logger)
		if err != nil {
			return err
		}
		defer application.Close()

		res, err := application.Agenda().Agenda(cmd.Context(), agenda.Query{MemberID: agendaFlags.member, From: from, To: to})
		if err != nil {
			return err
		}
		metrics.AddSuppressed(res.Suppressed)
		if agendaFlags.ics {
			name := "Agenda"
			if agendaFlags.member != "" {
				name += " " + agendaFlags.member
			}
			return agenda.WriteICS(cmd.OutOrStdout(), name, res.Items, cfg.Location, time.Now())
		}
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	agendaCmd.Flags().StringVar(&agendaFlags.member, "member", "", "Member id (default: everyone)")
	agendaCmd.Flags().StringVar(&agendaFlags.from, "from", "", "First day (YYYY-MM-DD, default today)")
	agendaCmd.Flags().StringVar(&agendaFlags.to, "to", "", "Last day (YYYY-MM-DD, default --from)")
	agendaCmd.Flags().BoolVar(&agendaFlags.ics, "ics", false, "Write iCalendar instead of JSON")
}
