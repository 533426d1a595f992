package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cotrain/offlineq/internal/api"
	"github.com/cotrain/offlineq/internal/config"
	"github.com/cotrain/offlineq/internal/drain"
	"github.com/cotrain/offlineq/internal/queue"
	"github.com/cotrain/offlineq/internal/submit"
)

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in execution order",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}

		var list struct {
			Actions []queue.ActionRecord `json:"actions"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if asJSON {
			return printJSON(cmd.OutOrStdout(), list.Actions)
		}
		printActions(cmd.OutOrStdout(), list.Actions)
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts by retry state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/status")
		if err != nil {
			return err
		}

		var st api.Status
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printQueueStatus(st)
		return nil
	},
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one drain pass now and wait for it",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/queue/process", nil)
		if err != nil {
			return err
		}

		var out struct {
			Ran    bool             `json:"ran"`
			Result drain.PassResult `json:"result"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if !out.Ran {
			printWarning("No pass ran: offline, queue empty, or a pass is already in progress")
			return nil
		}
		r := out.Result
		printSuccess("Pass %s in %dms: %d attempted, %d succeeded, %d retrying, %d dropped",
			r.Result, r.DurationMS, r.Attempted, r.Succeeded, r.Retried, r.Exhausted)
		return nil
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a queued action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/queue/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := expectOK(resp); err != nil {
			return err
		}

		printSuccess("Removed action %s", args[0])
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued action",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This drops ALL queued actions without sending them. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/queue")
		if err != nil {
			return err
		}

		var out map[string]int
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		printSuccess("Removed %d queued actions", out["removed"])
		return nil
	},
}

func init() {
	queueListCmd.Flags().Bool("json", false, "print actions as JSON")
	queueClearCmd.Flags().Bool("confirm", false, "confirm dropping the queue")
	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueProcessCmd, queueRemoveCmd, queueClearCmd)
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue an action for delivery",
	Long: `Queue an action for delivery.

Examples:
  offlineq submit request https://api.example.com/items --method POST --body '{"name":"x"}'
  offlineq submit api-call /api/items --method PUT --header "X-Trace: 1"
  offlineq submit tx --data '{"to":"0xabc","amount":5}'
  offlineq submit contribution sess-1 --data '{"score":3}'
  offlineq submit claim reward-42`,
}

var submitRequestCmd = &cobra.Command{
	Use:   "request <url>",
	Short: "Queue a raw request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := apiOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		deferred, _ := cmd.Flags().GetBool("defer")
		immediate := !deferred

		return postSubmission(cmd, "/queue", api.SubmitRequest{
			URL:                args[0],
			Method:             opts.Method,
			Headers:            opts.Headers,
			Body:               opts.Body,
			Description:        opts.Description,
			MaxRetries:         opts.MaxRetries,
			ExecuteImmediately: &immediate,
		})
	},
}

var submitAPICallCmd = &cobra.Command{
	Use:   "api-call <endpoint>",
	Short: "Queue an API call; relative endpoints resolve against the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := apiOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		return postSubmission(cmd, "/queue/api-call", api.APICallRequest{
			Endpoint:   args[0],
			APIOptions: opts,
		})
	},
}

var submitTxCmd = &cobra.Command{
	Use:   "tx",
	Short: "Queue a blockchain transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		description, _ := cmd.Flags().GetString("description")
		if data == "" {
			return errors.New("--data is required")
		}
		if !json.Valid([]byte(data)) {
			return errors.New("--data must be valid JSON")
		}
		return postSubmission(cmd, "/queue/transactions", api.TransactionRequest{
			Data:        json.RawMessage(data),
			Description: description,
		})
	},
}

var submitContributionCmd = &cobra.Command{
	Use:   "contribution <session-id>",
	Short: "Queue a contribution for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		description, _ := cmd.Flags().GetString("description")

		var fields map[string]any
		if data != "" {
			if err := json.Unmarshal([]byte(data), &fields); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}
		return postSubmission(cmd, "/queue/contributions", api.ContributionRequest{
			SessionID:   args[0],
			Data:        fields,
			Description: description,
		})
	},
}

var submitClaimCmd = &cobra.Command{
	Use:   "claim <reward-id>",
	Short: "Queue a reward claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		return postSubmission(cmd, "/queue/rewards/"+url.PathEscape(args[0])+"/claim", api.ClaimRequest{
			Description: description,
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{submitRequestCmd, submitAPICallCmd} {
		c.Flags().String("method", "", "HTTP method (default GET)")
		c.Flags().String("body", "", "request body")
		c.Flags().StringArray("header", nil, `request header as "Name: value" (repeatable)`)
		c.Flags().Int("max-retries", 0, "retry budget for this action (default from config)")
	}
	submitRequestCmd.Flags().Bool("defer", false, "queue without starting a drain pass")
	submitTxCmd.Flags().String("data", "", "transaction payload as JSON")
	submitContributionCmd.Flags().String("data", "", "contribution fields as a JSON object")
	for _, c := range []*cobra.Command{submitRequestCmd, submitAPICallCmd, submitTxCmd, submitContributionCmd, submitClaimCmd} {
		c.Flags().String("description", "", "label shown in the queue")
	}
	submitCmd.AddCommand(submitRequestCmd, submitAPICallCmd, submitTxCmd, submitContributionCmd, submitClaimCmd)
}

func apiOptionsFromFlags(cmd *cobra.Command) (submit.APIOptions, error) {
	method, _ := cmd.Flags().GetString("method")
	body, _ := cmd.Flags().GetString("body")
	description, _ := cmd.Flags().GetString("description")
	rawHeaders, _ := cmd.Flags().GetStringArray("header")

	headers, err := parseHeaders(rawHeaders)
	if err != nil {
		return submit.APIOptions{}, err
	}
	opts := submit.APIOptions{
		Method:      method,
		Headers:     headers,
		Body:        body,
		Description: description,
	}
	if cmd.Flags().Changed("max-retries") {
		n, _ := cmd.Flags().GetInt("max-retries")
		if n < 0 {
			return submit.APIOptions{}, errors.New("--max-retries must not be negative")
		}
		opts.MaxRetries = &n
	}
	return opts, nil
}

func parseHeaders(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", p)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

func postSubmission(cmd *cobra.Command, path string, body any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.post(cmd.Context(), path, body)
	if err != nil {
		return err
	}

	var out map[string]string
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}

	printSuccess("Queued action %s", out["id"])
	return nil
}

// --- connectivity ---

var connectivityCmd = &cobra.Command{
	Use:       "connectivity <online|offline>",
	Short:     "Report a network change to a daemon running in events mode",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		online := args[0] == "online"

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/connectivity", map[string]bool{"online": online})
		if err != nil {
			return err
		}

		var out map[string]bool
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if !out["changed"] {
			printWarning("Already %s", args[0])
			return nil
		}
		printSuccess("Reported %s", args[0])
		return nil
	},
}

// --- persistence ---

var persistenceCmd = &cobra.Command{
	Use:   "persistence",
	Short: "Inspect or wipe durable state",
}

var persistenceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show item counts per durable cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/persistence/status")
		if err != nil {
			return err
		}

		var counts map[string]int
		if err := decodeJSON(resp, &counts); err != nil {
			return err
		}
		for name, n := range counts {
			printStatus(name, "%d", n)
		}
		return nil
	},
}

var persistenceClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all durable state",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes ALL persisted actions and cached responses. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/persistence")
		if err != nil {
			return err
		}
		if err := expectOK(resp); err != nil {
			return err
		}

		printSuccess("Persistence cleared")
		return nil
	},
}

func init() {
	persistenceClearCmd.Flags().Bool("confirm", false, "confirm the wipe")
	persistenceCmd.AddCommand(persistenceStatusCmd, persistenceClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, config.ConfigFilePath())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
}
