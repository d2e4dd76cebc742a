package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/katra-memory/katra/internal/config"
)

type recordView struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Importance float64   `json:"importance"`
	Content    string    `json:"content"`
}

type resultView struct {
	RecordID    string  `json:"record_id"`
	Content     string  `json:"content"`
	Score       float64 `json:"score"`
	FromVector  bool    `json:"from_vector"`
	FromGraph   bool    `json:"from_graph"`
	FromSQL     bool    `json:"from_sql"`
	FromWorking bool    `json:"from_working"`
}

type resultSetView struct {
	Results        []resultView `json:"results"`
	VectorMatches  int          `json:"vector_matches"`
	GraphMatches   int          `json:"graph_matches"`
	SQLMatches     int          `json:"sql_matches"`
	WorkingMatches int          `json:"working_matches"`
}

func (r resultView) sources() string {
	var s []string
	if r.FromVector {
		s = append(s, "vector")
	}
	if r.FromGraph {
		s = append(s, "graph")
	}
	if r.FromSQL {
		s = append(s, "sql")
	}
	if r.FromWorking {
		s = append(s, "working")
	}
	return strings.Join(s, ",")
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func ciFlag(cmd *cobra.Command) (string, error) {
	ci, _ := cmd.Flags().GetString("ci")
	if ci == "" {
		return "", errors.New("--ci is required")
	}
	return ci, nil
}

// --- remember ---

var rememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Store a memory",
	Long: `Store a memory for a companion intelligence.

Examples:
  katra remember --ci ada "Finished the parser rewrite"
  katra remember --ci ada --type decision --importance 0.9 "Use SQLite for the job queue"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ci, err := ciFlag(cmd)
		if err != nil {
			return err
		}
		req := map[string]any{
			"ci_id":   ci,
			"content": strings.Join(args, " "),
		}
		if t, _ := cmd.Flags().GetString("type"); t != "" {
			req["type"] = t
		}
		if cmd.Flags().Changed("importance") {
			imp, _ := cmd.Flags().GetFloat64("importance")
			req["importance"] = imp
		}
		if s, _ := cmd.Flags().GetString("session"); s != "" {
			req["session_id"] = s
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/memories", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored memory %s", result["id"])
		return nil
	},
}

func init() {
	rememberCmd.Flags().String("ci", "", "companion intelligence id")
	rememberCmd.Flags().String("type", "", "memory type (experience, knowledge, reflection, pattern, goal, decision)")
	rememberCmd.Flags().Float64("importance", 0.5, "importance in [0,1]")
	rememberCmd.Flags().String("session", "", "session id")
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <topic>",
	Short: "List recent memories mentioning a topic",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ci, err := ciFlag(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		reply, err := client.submit(cmd.Context(), "/v1/recall", map[string]any{
			"ci_id": ci,
			"topic": strings.Join(args, " "),
			"limit": limit,
		})
		if err != nil {
			return err
		}
		return printRecords(reply.Records)
	},
}

func init() {
	recallCmd.Flags().String("ci", "", "companion intelligence id")
	recallCmd.Flags().Int("limit", 20, "maximum number of memories to scan")
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "List memories matching structured filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ci, err := ciFlag(cmd)
		if err != nil {
			return err
		}
		req := map[string]any{"ci_id": ci}
		if t, _ := cmd.Flags().GetString("type"); t != "" {
			req["type"] = t
		}
		if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
			req["start"] = time.Now().Add(-since).UTC()
		}
		if imp, _ := cmd.Flags().GetFloat64("min-importance"); imp > 0 {
			req["min_importance"] = imp
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			req["limit"] = limit
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		reply, err := client.submit(cmd.Context(), "/v1/query", req)
		if err != nil {
			return err
		}
		return printRecords(reply.Records)
	},
}

func init() {
	queryCmd.Flags().String("ci", "", "companion intelligence id")
	queryCmd.Flags().String("type", "", "only memories of this type")
	queryCmd.Flags().Duration("since", 0, "only memories newer than this (e.g. 24h)")
	queryCmd.Flags().Float64("min-importance", 0, "minimum importance")
	queryCmd.Flags().Int("limit", 20, "maximum number of memories")
}

func printRecords(raw json.RawMessage) error {
	var recs []recordView
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &recs); err != nil {
			return fmt.Errorf("decoding records: %w", err)
		}
	}
	if len(recs) == 0 {
		fmt.Println("No memories found.")
		return nil
	}
	for _, r := range recs {
		fmt.Printf("%s  %s  %-10s %.2f  %s\n",
			colorize(colorCyan, r.ID[:min(8, len(r.ID))]),
			r.Timestamp.Local().Format(time.DateTime),
			r.Type,
			r.Importance,
			truncate(r.Content, 120),
		)
	}
	return nil
}

// --- synthesize ---

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize <query>",
	Short: "Recall across vector, graph, keyword and working memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ci, err := ciFlag(cmd)
		if err != nil {
			return err
		}
		req := map[string]any{
			"ci_id": ci,
			"query": strings.Join(args, " "),
		}
		if p, _ := cmd.Flags().GetString("preset"); p != "" {
			req["preset"] = p
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		reply, err := client.submit(cmd.Context(), "/v1/recall/synthesized", req)
		if err != nil {
			return err
		}
		return printResultSet(reply.Synthesis)
	},
}

func init() {
	synthesizeCmd.Flags().String("ci", "", "companion intelligence id")
	synthesizeCmd.Flags().String("preset", "", "backend preset (comprehensive, semantic, relationships, fast)")
}

// --- related ---

var relatedCmd = &cobra.Command{
	Use:   "related <memory-id>",
	Short: "Show memories connected to a stored memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{}
		if p, _ := cmd.Flags().GetString("preset"); p != "" {
			req["preset"] = p
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		reply, err := client.submit(cmd.Context(), "/v1/memories/"+url.PathEscape(args[0])+"/related", req)
		if err != nil {
			return err
		}
		return printResultSet(reply.Synthesis)
	},
}

func init() {
	relatedCmd.Flags().String("preset", "", "backend preset (comprehensive, semantic, relationships, fast)")
}

// --- know ---

var knowCmd = &cobra.Command{
	Use:   "know <concept>",
	Short: "Show what a companion intelligence knows about a concept",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ci, err := ciFlag(cmd)
		if err != nil {
			return err
		}
		req := map[string]any{
			"ci_id":   ci,
			"concept": strings.Join(args, " "),
		}
		if p, _ := cmd.Flags().GetString("preset"); p != "" {
			req["preset"] = p
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		reply, err := client.submit(cmd.Context(), "/v1/know", req)
		if err != nil {
			return err
		}

		var k struct {
			Concept   string          `json:"concept"`
			Indexed   int             `json:"indexed"`
			Synthesis json.RawMessage `json:"synthesis"`
		}
		if err := json.Unmarshal(reply.Result, &k); err != nil {
			return fmt.Errorf("decoding knowledge: %w", err)
		}
		if k.Indexed >= 0 {
			printStatus("Indexed memories", "%d", k.Indexed)
		}
		return printResultSet(k.Synthesis)
	},
}

func init() {
	knowCmd.Flags().String("ci", "", "companion intelligence id")
	knowCmd.Flags().String("preset", "", "backend preset (comprehensive, semantic, relationships, fast)")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server, worker pool and job queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		health, err := client.get(cmd.Context(), "/health")
		if err != nil {
			printStatus("Server", "stopped")
			return nil
		}
		health.Body.Close()
		printStatus("Server", "running at %s", client.baseURL)

		resp, err := client.get(cmd.Context(), "/v1/stats")
		if err != nil {
			return err
		}
		var stats struct {
			Pool struct {
				Workers            int    `json:"workers"`
				Active             int    `json:"active"`
				Idle               int    `json:"idle"`
				Queued             int    `json:"queued"`
				MinWorkers         int    `json:"min_workers"`
				MaxWorkers         int    `json:"max_workers"`
				QueueCapacity      int    `json:"queue_capacity"`
				Completed          uint64 `json:"completed"`
				Failed             uint64 `json:"failed"`
				Cancelled          uint64 `json:"cancelled"`
				AverageExecutionMS int64  `json:"average_execution_ms"`
			} `json:"pool"`
			Promises int            `json:"promises"`
			Jobs     map[string]int `json:"jobs"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		p := stats.Pool
		printStatus("Workers", "%d (%d active, %d idle; min %d, max %d)", p.Workers, p.Active, p.Idle, p.MinWorkers, p.MaxWorkers)
		printStatus("Queue", "%d/%d", p.Queued, p.QueueCapacity)
		printStatus("Completed", "%d (failed %d, cancelled %d)", p.Completed, p.Failed, p.Cancelled)
		printStatus("Avg execution", "%dms", p.AverageExecutionMS)
		printStatus("Open promises", "%d", stats.Promises)

		statuses := make([]string, 0, len(stats.Jobs))
		for s := range stats.Jobs {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			printStatus("Jobs "+s, "%d", stats.Jobs[s])
		}
		return nil
	},
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

		fmt.Printf("  %s\n", colorize(colorCyan, config.FilePath()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		val, err := config.GetKey(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
