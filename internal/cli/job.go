package cli

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
)

var families = []string{"discrete", "warmer", "scraping"}

// NewJobCmd создаёт группу команд для просмотра jobs.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}

	cmd.AddCommand(
		newJobListCmd(clientFn, outputFn),
		newJobCountsCmd(clientFn, outputFn),
	)

	return cmd
}

func familyArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if !slices.Contains(families, args[0]) {
		return fmt.Errorf("unknown family %q, expected one of %v", args[0], families)
	}
	return nil
}

func newJobListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListJobsOpts

	cmd := &cobra.Command{
		Use:   "list FAMILY",
		Short: "List jobs of a family (discrete, warmer, scraping)",
		Args:  familyArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := clientFn().ListJobs(args[0], opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "OWNER", "TYPE", "STATE", "WORKER", "PROGRESS", "FAILED", "CREATED"}
			rows := make([][]string, len(jobs))
			for i, j := range jobs {
				rows[i] = []string{
					strconv.FormatInt(j.ID, 10), strconv.FormatInt(j.OwnerID, 10), j.Type, j.State, j.WorkerID,
					formatProgress(j.Counters.Succeeded, j.Total), strconv.Itoa(j.Counters.Failed), j.CreatedAt,
				}
			}
			outputFn().Print(headers, rows, jobs)
			return nil
		},
	}

	cmd.Flags().Int64Var(&opts.OwnerID, "owner", 0, "Filter by owning actor ID")
	cmd.Flags().StringVar(&opts.State, "state", "", "Filter by state")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of jobs (server default: 50)")

	return cmd
}

func newJobCountsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "counts FAMILY",
		Short: "Count jobs of a family by state",
		Args:  familyArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := clientFn().CountJobs(args[0])
			if err != nil {
				return err
			}

			states := make([]string, 0, len(counts.States))
			for s := range counts.States {
				states = append(states, s)
			}
			slices.Sort(states)

			rows := make([][]string, 0, len(states)+1)
			for _, s := range states {
				rows = append(rows, []string{s, strconv.FormatInt(counts.States[s], 10)})
			}
			rows = append(rows, []string{"total", strconv.FormatInt(counts.Total, 10)})

			outputFn().Print([]string{"STATE", "COUNT"}, rows, counts)
			return nil
		},
	}
}

func formatProgress(done, total int) string {
	if total <= 0 {
		return strconv.Itoa(done)
	}
	return strconv.Itoa(done) + "/" + strconv.Itoa(total)
}
