package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kalambet/exhibit/internal/config"
	"github.com/kalambet/exhibit/internal/evidence"
	"github.com/kalambet/exhibit/internal/ledger"
	"github.com/kalambet/exhibit/internal/processor"
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <video>",
	Short: "Analyze a video locally and print its summary",
	Long: `Analyze a video in this process, without a running server.

The detector sidecar configured by detector.base_url must be reachable;
capabilities it cannot serve are recorded as failed in every frame.

Examples:
  exhibit analyze ./dashcam.mp4 --device cam-7
  exhibit analyze ./door.mkv --device porch --stride 10 > summary.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		evType, _ := cmd.Flags().GetString("type")
		location, _ := cmd.Flags().GetString("location")
		stride, _ := cmd.Flags().GetInt("stride")

		cfg, err := config.LoadLocal()
		if err != nil {
			return err
		}
		if stride > 0 {
			cfg.Analysis.Stride = stride
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		core, err := newApp(cfg, newLogger(cfg.Log.Level), nil)
		if err != nil {
			return err
		}
		defer core.processor.Shutdown(context.Background())

		id, err := core.processor.Submit(ctx, processor.Request{
			Path:         args[0],
			DeviceID:     device,
			EvidenceType: evType,
			Location:     location,
		})
		if err != nil {
			return err
		}
		printStep("Analyzing %s as %s", args[0], id)

		snapshots, unwatch, err := core.jobs.Watch(id)
		if err != nil {
			return err
		}
		defer unwatch()

		bar := newProgressBar("Analyzing")
		final := followJob(ctx, snapshots, func(j ledger.Job) {
			bar.Set(percent(j.Progress))
		}, func() {
			core.processor.Cancel(id)
		})
		bar.Finish()

		switch final.Status {
		case ledger.StatusCompleted:
			printSuccess("Analyzed %d of %d frames", final.Result.SampledFrames, final.Result.TotalFrames)
			printStatus("Objects", "%s", topObjects(final.Result, 5))
			printStatus("Faces", "%d", final.Result.FaceTotal)
			return printJSON(final.Result)
		case ledger.StatusFailed:
			return fmt.Errorf("analysis failed: %s", final.Error)
		default:
			return fmt.Errorf("analysis ended in state %s", final.Status)
		}
	},
}

func init() {
	analyzeCmd.Flags().String("device", "unknown", "recording device identifier")
	analyzeCmd.Flags().String("type", "video", "evidence type")
	analyzeCmd.Flags().String("location", "", "where the recording was made")
	analyzeCmd.Flags().Int("stride", 0, "analyze every Nth frame (default from config)")
}

// followJob drains snapshots until the channel closes and returns the last
// one. If ctx ends first, cancel is called once and draining continues so the
// terminal snapshot is still observed.
func followJob(ctx context.Context, snapshots <-chan ledger.Job, onUpdate func(ledger.Job), cancel func()) ledger.Job {
	var last ledger.Job
	done := ctx.Done()
	for {
		select {
		case j, ok := <-snapshots:
			if !ok {
				return last
			}
			last = j
			onUpdate(j)
		case <-done:
			done = nil
			cancel()
		}
	}
}

// topObjects renders the n most frequent object labels with their counts.
func topObjects(s *evidence.Summary, n int) string {
	labels := s.TopObjects()
	if len(labels) == 0 {
		return "none"
	}
	parts := make([]string, 0, n)
	for _, l := range labels[:min(n, len(labels))] {
		parts = append(parts, fmt.Sprintf("%s=%d", l, s.ObjectHistogram[l]))
	}
	if rest := len(labels) - n; rest > 0 {
		parts = append(parts, fmt.Sprintf("+%d more", rest))
	}
	return strings.Join(parts, " ")
}

func newProgressBar(desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)
}

func percent(p float64) int {
	return int(max(0, min(1, p))*100 + 0.5)
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <video>",
	Short: "Upload a video to the running server for analysis",
	Long: `Upload a video to the running server for analysis.

Examples:
  exhibit submit ./dashcam.mp4 --device cam-7 --location "5th and Main"
  exhibit submit ./door.mkv --device porch --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		evType, _ := cmd.Flags().GetString("type")
		location, _ := cmd.Flags().GetString("location")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmdContext(cmd)

		resp, err := client.upload(ctx, args[0], map[string]string{
			"device_id":     device,
			"evidence_type": evType,
			"location":      location,
		})
		if err != nil {
			return err
		}
		var result struct {
			EvidenceID string `json:"evidence_id"`
			Status     string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Submitted evidence %s", result.EvidenceID)
		fmt.Println(result.EvidenceID)

		if !wait {
			return nil
		}
		return followRemote(ctx, client, result.EvidenceID)
	},
}

func init() {
	submitCmd.Flags().String("device", "", "recording device identifier")
	submitCmd.Flags().String("type", "", "evidence type")
	submitCmd.Flags().String("location", "", "where the recording was made")
	submitCmd.Flags().Bool("wait", false, "follow progress until the job finishes")
}

// --- progress ---

type progressView struct {
	EvidenceID   string     `json:"evidence_id"`
	Status       string     `json:"status"`
	Progress     float64    `json:"progress"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage string     `json:"error_message"`
}

var progressCmd = &cobra.Command{
	Use:   "progress <id>",
	Short: "Show the status of an evidence job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmdContext(cmd)
		if follow {
			return followRemote(ctx, client, args[0])
		}

		resp, err := client.get(ctx, evidenceURL(args[0], "progress"))
		if err != nil {
			return err
		}
		var p progressView
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printProgress(p)
		return nil
	},
}

func init() {
	progressCmd.Flags().Bool("follow", false, "stream updates until the job finishes")
}

func printProgress(p progressView) {
	printStatus("Evidence", "%s", p.EvidenceID)
	printStatus("Status", "%s", statusColor(p.Status))
	printStatus("Progress", "%d%%", percent(p.Progress))
	printStatus("Created", "%s", p.CreatedAt.Local().Format(time.DateTime))
	if p.StartedAt != nil {
		printStatus("Started", "%s", p.StartedAt.Local().Format(time.DateTime))
	}
	if p.CompletedAt != nil {
		printStatus("Finished", "%s", p.CompletedAt.Local().Format(time.DateTime))
	}
	if p.ErrorMessage != "" {
		printStatus("Error", "%s", p.ErrorMessage)
	}
}

// followRemote streams the job's events endpoint into a progress bar.
func followRemote(ctx context.Context, c *apiClient, id string) error {
	u, err := eventsURL(c.baseURL, id, c.token)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("opening event stream: server returned %d", resp.StatusCode)
		}
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer conn.Close()

	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	bar := newProgressBar("Processing")
	var last progressView
	for {
		var p progressView
		if err := conn.ReadJSON(&p); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && ctx.Err() == nil {
				return fmt.Errorf("reading event stream: %w", err)
			}
			break
		}
		last = p
		bar.Set(percent(p.Progress))
	}
	bar.Finish()
	if err := ctx.Err(); err != nil {
		return err
	}

	switch last.Status {
	case string(ledger.StatusCompleted):
		printSuccess("Evidence %s completed", id)
	case string(ledger.StatusFailed):
		return fmt.Errorf("evidence %s failed: %s", id, last.ErrorMessage)
	default:
		printWarning("Evidence %s stream ended while %s", id, last.Status)
	}
	return nil
}

// eventsURL converts the HTTP base URL into the job's websocket endpoint.
// Browsers cannot set headers on websocket requests, so the token travels as
// a query parameter.
func eventsURL(baseURL, id, token string) (string, error) {
	u, err := url.Parse(baseURL + evidenceURL(id, "events"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// --- result ---

var resultCmd = &cobra.Command{
	Use:   "result <id>",
	Short: "Print the forensic summary of a completed job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmdContext(cmd), evidenceURL(args[0], "results"))
		if err != nil {
			return err
		}
		if resp.StatusCode == 202 {
			var p progressView
			if err := decodeJSON(resp, &p); err != nil {
				return err
			}
			return fmt.Errorf("evidence %s is still %s (%d%%)", args[0], p.Status, percent(p.Progress))
		}

		var envelope map[string]any
		if err := decodeJSON(resp, &envelope); err != nil {
			return err
		}
		return printJSON(envelope)
	},
}

// --- list ---

type listView struct {
	Total    int `json:"total"`
	Skip     int `json:"skip"`
	Limit    int `json:"limit"`
	Evidence []struct {
		EvidenceID  string     `json:"evidence_id"`
		Status      string     `json:"status"`
		Progress    float64    `json:"progress"`
		DeviceID    string     `json:"device_id"`
		CreatedAt   time.Time  `json:"created_at"`
		CompletedAt *time.Time `json:"completed_at"`
	} `json:"evidence"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List evidence jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		skip, _ := cmd.Flags().GetInt("skip")
		limit, _ := cmd.Flags().GetInt("limit")
		archived, _ := cmd.Flags().GetBool("archived")
		device, _ := cmd.Flags().GetString("device")

		if _, err := ledger.ParseStatus(status); err != nil {
			return err
		}

		q := url.Values{}
		q.Set("skip", strconv.Itoa(skip))
		q.Set("limit", strconv.Itoa(limit))
		if status != "" {
			q.Set("status", status)
		}
		if archived {
			q.Set("archived", "true")
			if device != "" {
				q.Set("device_id", device)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(cmd), evidencePath+"/list?"+q.Encode())
		if err != nil {
			return err
		}
		var lv listView
		if err := decodeJSON(resp, &lv); err != nil {
			return err
		}

		if len(lv.Evidence) == 0 {
			fmt.Println("No evidence found.")
			return nil
		}
		for _, e := range lv.Evidence {
			// Archived entries carry only their completion time.
			when := e.CreatedAt
			if when.IsZero() && e.CompletedAt != nil {
				when = *e.CompletedAt
			}
			fmt.Printf("%s  %-10s %4d%%  %-20s %s\n",
				e.EvidenceID, statusColor(e.Status), percent(e.Progress), e.DeviceID,
				when.Local().Format(time.DateTime))
		}
		if shown := lv.Skip + len(lv.Evidence); shown < lv.Total {
			printStep("Showing %d-%d of %d; use --skip %d for more", lv.Skip+1, shown, lv.Total, shown)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
	listCmd.Flags().Int("skip", 0, "number of jobs to skip")
	listCmd.Flags().Int("limit", 50, "maximum number of jobs to show")
	listCmd.Flags().Bool("archived", false, "list archived summaries, including jobs retention has evicted")
	listCmd.Flags().String("device", "", "with --archived, only list this device")
}

// --- cancel / delete ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or processing job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(cmd), evidenceURL(args[0], "cancel"), nil)
		if err != nil {
			return err
		}
		var out map[string]any
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Cancelling evidence %s", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a job, its archived summary and its uploaded video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmdContext(cmd), evidenceURL(args[0], ""))
		if err != nil {
			return err
		}
		var out map[string]any
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Deleted evidence %s", args[0])
		return nil
	},
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage exhibit configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show all configuration values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadLocal()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if cfg.Auth.Token == "" {
			printWarning("auth token is not set; run `exhibit config set-token`")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configurable keys",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(strings.Join(config.ValidKeys(), "\n"))
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token [token]",
	Short: "Store the API bearer token in the platform secret store",
	Long: `Store the API bearer token in the platform secret store.

Without an argument the token is read from standard input.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}
			token = string(data)
		}
		if err := config.SetToken(token); err != nil {
			return err
		}
		printSuccess("Token stored")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configKeysCmd, configSetTokenCmd)
}
