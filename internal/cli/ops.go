package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewSessionsCmd создаёт команду просмотра подключённых сессий.
func NewSessionsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "Show connected session counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := clientFn().Sessions()
			if err != nil {
				return err
			}
			outputFn().Print(
				[]string{"TRACKED", "WORKERS", "OBSERVERS", "ACTORS"},
				[][]string{{
					strconv.Itoa(st.Tracked), strconv.Itoa(st.Workers),
					strconv.Itoa(st.Observers), strconv.Itoa(st.Actors),
				}},
				st,
			)
			return nil
		},
	}
}

// NewSweepCmd создаёт группу команд для задач обслуживания.
func NewSweepCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "List and trigger maintenance sweeps",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered sweeps",
			RunE: func(cmd *cobra.Command, args []string) error {
				names, err := clientFn().ListSweeps()
				if err != nil {
					return err
				}
				rows := make([][]string, len(names))
				for i, n := range names {
					rows[i] = []string{n}
				}
				outputFn().Print([]string{"SWEEP"}, rows, names)
				return nil
			},
		},
		&cobra.Command{
			Use:   "run NAME",
			Short: "Run a sweep now",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out := outputFn()
				res, err := clientFn().RunSweep(args[0])
				if err != nil {
					return err
				}

				if res.Skipped {
					out.Success(fmt.Sprintf("Sweep %s skipped: another instance holds the lock", res.Sweep))
				}
				out.Print(
					[]string{"SWEEP", "AFFECTED", "SKIPPED", "DURATION_MS"},
					[][]string{{
						res.Sweep, strconv.FormatInt(res.Affected, 10),
						strconv.FormatBool(res.Skipped), strconv.FormatFloat(res.DurationMS, 'f', 1, 64),
					}},
					res,
				)
				return nil
			},
		},
	)

	return cmd
}
