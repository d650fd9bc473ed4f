package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"hpc-queue/db"
	"hpc-queue/pkg/job"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // Green
	exitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // Red
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // Yellow
)

func stateStyle(s job.State) lipgloss.Style {
	switch s {
	case job.StateDone:
		return doneStyle
	case job.StateExit:
		return exitStyle
	default:
		return activeStyle
	}
}

type row struct {
	index   int
	name    string
	state   job.State
	submits int
	reason  string
}

func renderTable(rows []row) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-5s %-24s %-10s %-7s %s", "IDX", "NAME", "STATE", "SUBMIT", "REASON")))
	b.WriteString("\n")
	for _, r := range rows {
		state := stateStyle(r.state).Render(fmt.Sprintf("%-10s", r.state))
		fmt.Fprintf(&b, "%-5d %-24s %s %-7d %s\n", r.index, r.name, state, r.submits, r.reason)
	}
	return b.String()
}

func printSummary(cmd *cobra.Command, infos []job.Info) {
	rows := make([]row, len(infos))
	for i, info := range infos {
		rows[i] = row{index: info.Index, name: info.Name, state: info.State, submits: info.SubmitCount, reason: info.Reason}
	}
	printf(cmd, "%s", renderTable(rows))
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List jobs recorded in the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.Open(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.CloseDatabase()

			records, err := store.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				printf(cmd, "No jobs in the journal\n")
				return nil
			}
			rows := make([]row, len(records))
			for i, r := range records {
				rows[i] = row{index: r.Index, name: r.Name, state: r.State, submits: r.SubmitCount, reason: r.Reason}
			}
			printf(cmd, "%s", renderTable(rows))
			return nil
		},
	}
}
