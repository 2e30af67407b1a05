package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRuleCmd создаёт группу команд для правил классификации ошибок.
func NewRuleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage error classification rules",
	}

	cmd.AddCommand(
		newRuleListCmd(clientFn, outputFn),
		newRuleShowCmd(clientFn, outputFn),
		newRuleCreateCmd(clientFn, outputFn),
		newRuleToggleCmd(clientFn, outputFn, true),
		newRuleToggleCmd(clientFn, outputFn, false),
		newRuleDeleteCmd(clientFn, outputFn),
		newRuleReloadCmd(clientFn, outputFn),
	)

	return cmd
}

var ruleHeaders = []string{"ID", "PRIORITY", "CODE", "PATTERN", "DISCRETE", "BATCH", "HEALTH", "DEACTIVATE", "ENABLED"}

func ruleRow(r Rule) []string {
	code := ""
	if r.Code != nil {
		code = strconv.Itoa(*r.Code)
	}
	return []string{
		strconv.FormatInt(r.ID, 10), strconv.Itoa(r.Priority), code, r.Pattern,
		r.ActionDiscrete, r.ActionBatch, r.HealthState,
		strconv.FormatBool(r.Deactivate), strconv.FormatBool(r.Enabled),
	}
}

func newRuleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := clientFn().ListRules()
			if err != nil {
				return err
			}

			rows := make([][]string, len(rules))
			for i, r := range rules {
				rows[i] = ruleRow(r)
			}
			outputFn().Print(ruleHeaders, rows, rules)
			return nil
		},
	}
}

func newRuleShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			rule, err := clientFn().GetRule(id)
			if err != nil {
				return err
			}
			outputFn().Print(ruleHeaders, [][]string{ruleRow(*rule)}, rule)
			return nil
		},
	}
}

func newRuleCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req CreateRuleRequest
	var code int
	var disabled bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule matching an error code or message pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("code") {
				req.Code = &code
			}
			if req.Code == nil && req.Pattern == "" {
				return fmt.Errorf("either --code or --pattern is required")
			}
			if disabled {
				enabled := false
				req.Enabled = &enabled
			}

			out := outputFn()
			rule, err := clientFn().CreateRule(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Rule created: %d", rule.ID))
			out.Print(ruleHeaders, [][]string{ruleRow(*rule)}, rule)
			return nil
		},
	}

	cmd.Flags().IntVar(&code, "code", 0, "Platform error code to match")
	cmd.Flags().StringVar(&req.Pattern, "pattern", "", "Case-insensitive message substring to match")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "Priority, higher wins")
	cmd.Flags().StringVar(&req.ActionDiscrete, "discrete", "", "Action for discrete jobs (retry_new|retry_same|skip|abort)")
	cmd.Flags().StringVar(&req.ActionBatch, "batch", "", "Action for batch campaigns (retry_new|retry_same|skip|abort)")
	cmd.Flags().StringVar(&req.HealthState, "health", "", "Health state to assign to the credential")
	cmd.Flags().BoolVar(&req.Deactivate, "deactivate", false, "Deactivate the credential on match")
	cmd.Flags().StringVar(&req.Description, "description", "", "Free-form description")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the rule disabled")

	return cmd
}

func newRuleToggleCmd(clientFn func() *Client, outputFn func() *Output, enable bool) *cobra.Command {
	use, short, done := "disable ID", "Disable a rule", "Rule disabled"
	if enable {
		use, short, done = "enable ID", "Enable a rule", "Rule enabled"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := clientFn().SetRuleEnabled(id, enable); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("%s: %d", done, id))
			return nil
		},
	}
}

func newRuleDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := clientFn().DeleteRule(id); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Rule deleted: %d", id))
			return nil
		},
	}
}

func newRuleReloadCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the server's rule cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := clientFn().ReloadRules()
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Rule cache reloaded: %d enabled rules", n))
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
