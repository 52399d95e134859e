package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/askcube/internal/config"
	"github.com/kalambet/askcube/internal/cube"
	"github.com/kalambet/askcube/internal/retrieval"
)

// --- ask ---

type askResult struct {
	Query         string `json:"query"`
	FormattedData string `json:"formatted_data"`
	RequestID     string `json:"request_id"`
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about your data",
	Long: `Ask a question about your data.

Examples:
  askcube ask "What was revenue by month in 2024?"
  askcube ask --show-query "Top 5 products by order count"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showQuery, _ := cmd.Flags().GetBool("show-query")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAsk(cmd.Context(), client, cmd.OutOrStdout(), strings.Join(args, " "), showQuery)
	},
}

func runAsk(ctx context.Context, c *apiClient, w io.Writer, question string, showQuery bool) error {
	resp, err := c.post(ctx, "/ask", map[string]string{"query": question})
	if err != nil {
		return err
	}
	var res askResult
	if err := decodeJSON(resp, &res); err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.RequestID != "" {
			printStatus("Request ID", "%s", ae.RequestID)
		}
		return err
	}

	fmt.Fprintln(w, res.FormattedData)
	printStatus("Request ID", "%s", res.RequestID)

	if showQuery {
		rec, err := fetchRecord(ctx, c, res.RequestID)
		if err != nil {
			return err
		}
		if q := rec.StructuredQuery(); q != "" {
			printStatus("Cube query", "%s", q)
		}
	}
	return nil
}

func fetchRecord(ctx context.Context, c *apiClient, id string) (retrieval.Record, error) {
	resp, err := c.get(ctx, "/history/"+url.PathEscape(id))
	if err != nil {
		return retrieval.Record{}, err
	}
	var rec retrieval.Record
	if err := decodeJSON(resp, &rec); err != nil {
		return retrieval.Record{}, err
	}
	return rec, nil
}

func init() {
	askCmd.Flags().Bool("show-query", false, "also print the structured Cube.js query")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <request-id> <rating>",
	Short: "Rate an answer from 1 to 5",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("rating must be a number between 1 and 5: %w", err)
		}
		message, _ := cmd.Flags().GetString("message")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := runFeedback(cmd.Context(), client, args[0], rating, message); err != nil {
			return err
		}
		printSuccess("Feedback recorded for %s", args[0])
		return nil
	},
}

func runFeedback(ctx context.Context, c *apiClient, id string, rating int, message string) error {
	body := map[string]any{"request_id": id, "rating": rating}
	if message != "" {
		body["message"] = message
	}
	resp, err := c.post(ctx, "/feedback", body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

func init() {
	feedbackCmd.Flags().StringP("message", "m", "", "optional comment")
}

// --- similar ---

type similarResult struct {
	ID       string  `json:"id"`
	Query    string  `json:"query"`
	Distance float32 `json:"distance"`
	Status   string  `json:"status"`
	Rating   *int    `json:"rating"`
}

var similarCmd = &cobra.Command{
	Use:   "similar <text>",
	Short: "List past questions similar to text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSimilar(cmd.Context(), client, cmd.OutOrStdout(), strings.Join(args, " "), limit)
	},
}

func runSimilar(ctx context.Context, c *apiClient, w io.Writer, text string, limit int) error {
	path := fmt.Sprintf("/similar?q=%s&k=%d", url.QueryEscape(text), limit)
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var results []similarResult
	if err := decodeJSON(resp, &results); err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "No similar questions.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DISTANCE\tRATING\tSTATUS\tID\tQUESTION")
	for _, r := range results {
		rating := "-"
		if r.Rating != nil {
			rating = strconv.Itoa(*r.Rating)
		}
		fmt.Fprintf(tw, "%.4f\t%s\t%s\t%s\t%s\n", r.Distance, rating, r.Status, r.ID, truncate(r.Query, 60))
	}
	return tw.Flush()
}

func init() {
	similarCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- history ---

type historyPage struct {
	Total   int                `json:"total"`
	Offset  int                `json:"offset"`
	Records []retrieval.Record `json:"records"`
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and manage the question history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetInt("offset")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runHistoryList(cmd.Context(), client, cmd.OutOrStdout(), offset, limit)
	},
}

func runHistoryList(ctx context.Context, c *apiClient, w io.Writer, offset, limit int) error {
	resp, err := c.get(ctx, fmt.Sprintf("/history?offset=%d&limit=%d", offset, limit))
	if err != nil {
		return err
	}
	var page historyPage
	if err := decodeJSON(resp, &page); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tRATING\tQUESTION")
	for _, r := range page.Records {
		rating := "-"
		if n, ok := r.Rating(); ok {
			rating = strconv.Itoa(n)
		}
		status := r.Status()
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind(), status, rating, truncate(r.Query, 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d-%d of %d\n", min(page.Offset+1, page.Total), page.Offset+len(page.Records), page.Total)
	return nil
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one stored question with its metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		rec, err := fetchRecord(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one stored question",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/history/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var historyResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the whole question history",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL stored questions and feedback. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/history?confirm=true")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("History reset")
		return nil
	},
}

type rebuildResponse struct {
	JobID  string `json:"job_id"`
	Queued bool   `json:"queued"`
}

var historyRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-embed every stored question in the background",
	Long: `Re-embed every stored question in the background.

Run this after switching embedding models. Questions asked while the
rebuild runs are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		wait, _ := cmd.Flags().GetBool("wait")
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/history/rebuild", map[string]string{"reason": reason})
		if err != nil {
			return err
		}
		var res rebuildResponse
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.Queued {
			printSuccess("Queued rebuild job %s", res.JobID)
		} else {
			printWarning("A rebuild is already pending: job %s", res.JobID)
		}
		if !wait {
			return nil
		}

		printStep("Waiting for job %s...", res.JobID)
		job, err := waitForJob(cmd.Context(), client, res.JobID, time.Second)
		if err != nil {
			return err
		}
		if job.Status != "completed" {
			return fmt.Errorf("rebuild %s: %s", job.Status, job.LastError)
		}
		printSuccess("Rebuild finished: %s", string(job.Result))
		return nil
	},
}

func init() {
	historyListCmd.Flags().Int("offset", 0, "skip this many records")
	historyListCmd.Flags().Int("limit", 20, "maximum number of records to list")
	historyResetCmd.Flags().Bool("confirm", false, "confirm history reset")
	historyRebuildCmd.Flags().String("reason", "manual", "reason recorded with the job")
	historyRebuildCmd.Flags().Bool("wait", false, "wait until the job finishes")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyResetCmd)
	historyCmd.AddCommand(historyRebuildCmd)
}

// --- jobs ---

type jobResult struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	LastError   string          `json:"last_error"`
	Result      json.RawMessage `json:"result"`
}

func getJob(ctx context.Context, c *apiClient, id string) (jobResult, error) {
	resp, err := c.get(ctx, "/jobs/"+url.PathEscape(id))
	if err != nil {
		return jobResult{}, err
	}
	var job jobResult
	err = decodeJSON(resp, &job)
	return job, err
}

// waitForJob polls until the job completes or fails.
func waitForJob(ctx context.Context, c *apiClient, id string, every time.Duration) (jobResult, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		job, err := getJob(ctx, c, id)
		if err != nil {
			return jobResult{}, err
		}
		if job.Status == "completed" || job.Status == "failed" {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-t.C:
		}
	}
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/jobs?limit=%d", limit))
		if err != nil {
			return err
		}
		var jobs []jobResult
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tATTEMPTS\tUPDATED\tERROR")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", j.ID, j.Type, j.Status, j.Attempts, j.MaxAttempts, j.UpdatedAt, truncate(j.LastError, 40))
		}
		return tw.Flush()
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := getJob(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	jobsCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsShowCmd)
}

// --- interactions ---

type interactionResult struct {
	ID            string `json:"id"`
	CreatedAt     string `json:"created_at"`
	UserQuery     string `json:"user_query"`
	State         string `json:"state"`
	Status        string `json:"status"`
	DurationMs    int64  `json:"duration_ms"`
	FeedbackScore int    `json:"feedback_score"`
}

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "List recent questions from the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runInteractions(cmd.Context(), client, cmd.OutOrStdout(), limit)
	},
}

func runInteractions(ctx context.Context, c *apiClient, w io.Writer, limit int) error {
	resp, err := c.get(ctx, fmt.Sprintf("/interactions?limit=%d", limit))
	if err != nil {
		return err
	}
	var rows []interactionResult
	if err := decodeJSON(resp, &rows); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSTATE\tMS\tRATING\tID\tQUESTION")
	for _, r := range rows {
		rating := "-"
		if r.FeedbackScore > 0 {
			rating = strconv.Itoa(r.FeedbackScore)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", r.CreatedAt, r.State, r.DurationMs, rating, r.ID, truncate(r.UserQuery, 50))
	}
	return tw.Flush()
}

func init() {
	interactionsCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
}

// --- catalog / explain (talk to the semantic layer directly) ---

func newCubeClient() (*cube.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return cube.NewClient(cfg.Cube.APIURL, cfg.Cube.APIToken,
		cube.WithTimeout(cfg.Cube.Timeout),
		cube.WithMaxWaitPolls(cfg.Cube.MaxWaitPolls, time.Second),
	), nil
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the semantic layer's models and views",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		cc, err := newCubeClient()
		if err != nil {
			return err
		}
		cat, err := cc.LoadCatalog(cmd.Context())
		if err != nil {
			return err
		}
		return printCatalog(cmd.OutOrStdout(), cat, asJSON)
	},
}

func printCatalog(w io.Writer, cat *cube.Catalog, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cat)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CUBE\tKIND\tMEASURES\tDIMENSIONS\tTIME")
	for _, name := range cat.CubeNames() {
		c, kind := cat.Models[name], "model"
		if c == nil {
			c, kind = cat.Views[name], "view"
		}
		if c == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", name, kind, len(c.Measures), len(c.Dimensions), len(c.TimeDimensions))
	}
	return tw.Flush()
}

var explainCmd = &cobra.Command{
	Use:   "explain <request-id>",
	Short: "Show the SQL the semantic layer generates for a stored question",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		rec, err := fetchRecord(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		raw := rec.StructuredQuery()
		if raw == "" {
			return fmt.Errorf("%s has no structured query (status %q)", args[0], rec.Status())
		}
		var q cube.Query
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return fmt.Errorf("parsing stored query: %w", err)
		}

		cc, err := newCubeClient()
		if err != nil {
			return err
		}
		sql, err := cc.SQL(cmd.Context(), q)
		if err != nil {
			return err
		}
		printStatus("Question", "%s", rec.Query)
		printStatus("Cube query", "%s", raw)
		fmt.Fprintln(cmd.OutOrStdout(), sql)
		return nil
	},
}

func init() {
	catalogCmd.Flags().Bool("json", false, "print the full catalog as JSON")
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
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(tw, "  %s\t%s\t(%s)\n", labelColor.Sprint(k.Key), k.Value, k.EnvVar)
		}
		return tw.Flush()
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
		printSuccess("Set %s", key)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List valid configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configKeysCmd)
}
