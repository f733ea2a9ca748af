package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/grocery-inventory/grocery-load/internal/history"
	"github.com/grocery-inventory/grocery-load/internal/performance/output"
	"github.com/grocery-inventory/grocery-load/internal/performance/report"
)

func (a *app) openHistory() (*history.Store, error) {
	path := a.v.GetString("history-db")
	if path == "" {
		var err error
		if path, err = history.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return history.Open(path)
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
		Long:  "Runs started with --history are stored in a local SQLite database.",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), a.v.GetInt("limit"))
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Started", "Name", "Status", "Requests", "Failed", "P95", "RPS"})
			table.SetBorder(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			for _, r := range runs {
				status := "passed"
				if !r.Passed {
					status = "failed"
				}
				table.Append([]string{
					r.ID[:8],
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Name,
					status,
					strconv.FormatInt(r.TotalRequests, 10),
					strconv.FormatInt(r.FailedRequests, 10),
					r.P95.Round(time.Millisecond).String(),
					strconv.FormatFloat(r.RPS, 'f', 1, 64),
				})
			}
			table.Render()
			return nil
		},
	}
	list.Flags().IntP("limit", "n", 20, "Maximum runs to show; 0 shows all")

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Print the summary of a recorded run",
		Long:  "ID may be any unambiguous prefix of the run id.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			result, err := run.Result()
			if err != nil {
				return err
			}

			if a.v.GetBool("json") {
				return report.WriteJSON(cmd.OutOrStdout(), result)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Run %s (%s, %s)\n", run.ID, run.Source, run.BaseURL)
			output.NewConsoleOutput(output.ConsoleOutputConfig{
				TestName: result.Name,
				Writer:   cmd.OutOrStdout(),
				NoColor:  a.v.GetBool("no-color"),
			}).PrintSummary(result)
			return nil
		},
	}
	show.Flags().Bool("json", false, "Print the stored result as JSON")
	show.Flags().Bool("no-color", false, "Disable colored output")

	cmd.AddCommand(list, show)
	return cmd
}
