package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/storepulse/internal/config"
)

type threadBinding struct {
	Feature     string `json:"feature"`
	ThreadID    string `json:"thread_id"`
	AssistantID string `json:"assistant_id"`
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message on the active thread, or start an interactive chat",
	Long: `Send a message on the active feature's thread and print the reply.

Without arguments, reads one message per line from stdin until EOF or /quit.

Examples:
  storepulse chat "Which keywords gained the most installs last week?"
  storepulse chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if len(args) > 0 {
			reply, err := sendMessage(ctx, client, strings.Join(args, " "))
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), reply)
			return nil
		}
		return chatLoop(ctx, client, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func chatLoop(ctx context.Context, client *apiClient, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, colorize(colorBold, "> "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		reply, err := sendMessage(ctx, client, line)
		if err != nil {
			printError("%v", err)
			continue
		}
		printMessage(out, reply)
	}
}

func sendMessage(ctx context.Context, client *apiClient, text string) (chatMessage, error) {
	resp, err := client.post(ctx, "/session/messages", map[string]string{"text": text})
	if err != nil {
		return chatMessage{}, err
	}
	var result struct {
		Message chatMessage `json:"message"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return chatMessage{}, err
	}
	return result.Message, nil
}

// --- messages ---

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show the conversation on the active thread",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/session/messages")
		if err != nil {
			return err
		}
		var msgs []chatMessage
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages yet.")
			return nil
		}
		for _, m := range msgs {
			printMessage(cmd.OutOrStdout(), m)
		}
		return nil
	},
}

// --- thread ---

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Manage the active feature's conversation thread",
}

var threadNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a fresh thread for the active feature",
	RunE: func(cmd *cobra.Command, args []string) error {
		return threadAction(cmd, "/session/threads", nil, "Created thread")
	},
}

var threadClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the conversation by moving to a fresh thread",
	RunE: func(cmd *cobra.Command, args []string) error {
		return threadAction(cmd, "/session/clear", nil, "Cleared conversation, now on thread")
	},
}

var threadSetCmd = &cobra.Command{
	Use:   "set <thread-id>",
	Short: "Point the active feature at an existing thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/session/thread", map[string]string{"thread_id": args[0]})
		if err != nil {
			return err
		}
		var b threadBinding
		if err := decodeJSON(resp, &b); err != nil {
			return err
		}
		printSuccess("Thread for %s set to %s", b.Feature, b.ThreadID)
		return nil
	},
}

func threadAction(cmd *cobra.Command, path string, body any, verb string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), path, body)
	if err != nil {
		return err
	}
	var b threadBinding
	if err := decodeJSON(resp, &b); err != nil {
		return err
	}
	printSuccess("%s %s (%s)", verb, b.ThreadID, b.Feature)
	return nil
}

func init() {
	threadCmd.AddCommand(threadNewCmd)
	threadCmd.AddCommand(threadClearCmd)
	threadCmd.AddCommand(threadSetCmd)
}

// --- feature ---

var featureCmd = &cobra.Command{
	Use:   "feature [general|keywords|appStore]",
	Short: "Show or switch the active feature",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			st, err := fetchStatus(cmd.Context(), client)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.Feature)
			return nil
		}

		b, err := switchFeature(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Switched to %s (thread %s)", b.Feature, orNone(b.ThreadID))
		return nil
	},
}

func switchFeature(ctx context.Context, client *apiClient, name string) (threadBinding, error) {
	resp, err := client.put(ctx, "/session/feature", map[string]string{"feature": name})
	if err != nil {
		return threadBinding{}, err
	}
	var b threadBinding
	if err := decodeJSON(resp, &b); err != nil {
		return threadBinding{}, err
	}
	return b, nil
}

// --- refresh ---

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Check the active thread for new assistant replies",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/session/refresh", nil)
		if err != nil {
			return err
		}
		var run struct {
			ThreadID    string `json:"threadId"`
			MaxAttempts int    `json:"maxAttempts"`
		}
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}
		printStep("Checking %s for new replies (up to %d checks)", run.ThreadID, run.MaxAttempts)
		return nil
	},
}

// --- upload ---

type uploadReceipt struct {
	UploadID string `json:"upload_id"`
	JobID    string `json:"job_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload an analytics export (CSV, XLSX, PDF, HTML) for analysis",
	Long: `Upload an analytics export to the active thread. The file is analyzed in
the background and the assistant's answer appears in the conversation.

Examples:
  storepulse upload ./keywords-week-42.csv
  storepulse upload ./app-analytics.xlsx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		r, err := uploadFile(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Queued %s on thread %s (upload %s)", filepath.Base(args[0]), r.ThreadID, r.UploadID)
		return nil
	},
}

func uploadFile(ctx context.Context, client *apiClient, path string) (uploadReceipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uploadReceipt{}, fmt.Errorf("reading file: %w", err)
	}
	req := map[string]string{
		"file_name":    filepath.Base(path),
		"content_type": mime.TypeByExtension(filepath.Ext(path)),
		"content":      base64.StdEncoding.EncodeToString(data),
	}
	resp, err := client.post(ctx, "/uploads", req)
	if err != nil {
		return uploadReceipt{}, err
	}
	var r uploadReceipt
	if err := decodeJSON(resp, &r); err != nil {
		return uploadReceipt{}, err
	}
	return r, nil
}

// --- analyses ---

var analysesCmd = &cobra.Command{
	Use:   "analyses",
	Short: "List stored file analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID, _ := cmd.Flags().GetString("thread")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if threadID != "" {
			q.Set("thread_id", threadID)
		}
		resp, err := client.get(cmd.Context(), "/analyses?"+q.Encode())
		if err != nil {
			return err
		}

		var analyses []struct {
			ID        string `json:"id"`
			ThreadID  string `json:"thread_id"`
			FileName  string `json:"file_name"`
			Format    string `json:"format"`
			Summary   string `json:"summary"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &analyses); err != nil {
			return err
		}
		if len(analyses) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No analyses found.")
			return nil
		}
		for _, a := range analyses {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s [%s]\n",
				colorize(colorCyan, shortID(a.ID)),
				a.CreatedAt,
				a.FileName,
				a.Format,
			)
			if a.Summary != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", truncate(a.Summary, 200))
			}
		}
		return nil
	},
}

func init() {
	analysesCmd.Flags().String("thread", "", "only analyses posted to this thread")
	analysesCmd.Flags().Int("limit", 20, "maximum number of analyses to list")
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the active conversation",
	Long: `Export the active conversation as json, csv, markdown or xlsx.

Examples:
  storepulse export --format markdown
  storepulse export --format xlsx --output history.xlsx`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		if format == "xlsx" && output == "" {
			return fmt.Errorf("--output is required for xlsx exports")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if err := exportHistory(cmd.Context(), client, format, w); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Conversation exported to %s", output)
		}
		return nil
	},
}

func exportHistory(ctx context.Context, client *apiClient, format string, w io.Writer) error {
	resp, err := client.get(ctx, "/session/export?format="+url.QueryEscape(format))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}

func init() {
	exportCmd.Flags().String("format", "json", "json, csv, markdown or xlsx")
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
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
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
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

var configSetKeyCmd = &cobra.Command{
	Use:   "set-api-key <key>",
	Short: "Store the assistant API key in the platform secret store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetAssistantKey(config.NewKeychain(), args[0]); err != nil {
			return err
		}
		printSuccess("Assistant API key stored")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetKeyCmd)
}

// --- helpers ---

type statusView struct {
	Feature          string `json:"feature"`
	ThreadID         string `json:"threadId"`
	AssistantID      string `json:"assistantId"`
	IsValidThread    bool   `json:"isValidThread"`
	Verification     string `json:"verification"`
	Detail           string `json:"detail"`
	LastError        string `json:"lastError"`
	IsChecking       bool   `json:"isChecking"`
	Processing       bool   `json:"processing"`
	LastFileUploadAt string `json:"lastFileUploadAt"`
}

func fetchStatus(ctx context.Context, client *apiClient) (statusView, error) {
	resp, err := client.get(ctx, "/session")
	if err != nil {
		return statusView{}, err
	}
	var st statusView
	if err := decodeJSON(resp, &st); err != nil {
		return statusView{}, err
	}
	return st, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
