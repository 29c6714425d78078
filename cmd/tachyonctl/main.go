// Command tachyonctl is a thin HTTP client for the tachyon-exportd
// control plane: list, create, start and pause tasks, inspect a
// task's queue, and kick off an integrity verify, all from a shell.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tachyon-export/internal/model"
)

var (
	serverAddr string
	token      string
)

var rootCmd = &cobra.Command{
	Use:   "tachyonctl",
	Short: "control client for the tachyon export task engine",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://127.0.0.1:8420", "control plane base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("TACHYON_CONTROL_TOKEN"), "control plane auth token")

	rootCmd.AddCommand(
		listCmd(),
		createCmd(),
		startCmd(),
		pauseCmd(),
		resumeCmd(),
		cancelCmd(),
		verifyCmd(),
		queueCmd(),
		retryAllCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type apiClient struct {
	base  string
	token string
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(blob)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tachyon-Token", c.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		blob, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tachyonctl: %s %s: %s: %s", method, path, resp.Status, string(blob))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func client() *apiClient {
	return &apiClient{base: serverAddr, token: token}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every known task",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tasks []*model.Task
			if err := client().do(http.MethodGet, "/api/v1/tasks", nil, &tasks); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDOWNLOADED\tTOTAL")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", t.ID, t.Name, t.Status, t.DownloadedMedia, t.TotalMedia)
			}
			return w.Flush()
		},
	}
}

func createCmd() *cobra.Command {
	var name, exportPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a new pending task",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"name": name, "export_path": exportPath}
			var task model.Task
			if err := client().do(http.MethodPost, "/api/v1/tasks", req, &task); err != nil {
				return err
			}
			fmt.Println(task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&exportPath, "export-path", "", "directory to export into")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("export-path")
	return cmd
}

func taskIDCommand(use, short string, run func(c *apiClient, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(client(), args[0])
		},
	}
}

func startCmd() *cobra.Command {
	return taskIDCommand("start", "start extracting and downloading a task", func(c *apiClient, id string) error {
		return c.do(http.MethodPost, "/api/v1/tasks/"+id+"/start", nil, nil)
	})
}

func pauseCmd() *cobra.Command {
	return taskIDCommand("pause", "pause a running task", func(c *apiClient, id string) error {
		return c.do(http.MethodPost, "/api/v1/tasks/"+id+"/pause", nil, nil)
	})
}

func resumeCmd() *cobra.Command {
	return taskIDCommand("resume", "resume a paused task", func(c *apiClient, id string) error {
		return c.do(http.MethodPost, "/api/v1/tasks/"+id+"/resume", nil, nil)
	})
}

func cancelCmd() *cobra.Command {
	return taskIDCommand("cancel", "cancel a task", func(c *apiClient, id string) error {
		return c.do(http.MethodPost, "/api/v1/tasks/"+id+"/cancel", nil, nil)
	})
}

func retryAllCmd() *cobra.Command {
	return taskIDCommand("retry-all-failed", "requeue every failed item in a task", func(c *apiClient, id string) error {
		return c.do(http.MethodPost, "/api/v1/tasks/"+id+"/retry_all_failed", nil, nil)
	})
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <task-id>",
		Short: "force a full rescan and reconcile on-disk files against the task's item ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result model.VerifyResult
			if err := client().do(http.MethodPost, "/api/v1/tasks/"+args[0]+"/verify", nil, &result); err != nil {
				return err
			}
			fmt.Printf("recovered=%d fixed=%d moved=%d ran_at=%s\n",
				result.Recovered, result.Fixed, result.Moved, result.RanAt.Format(time.RFC3339))
			return nil
		},
	}
}

func queueCmd() *cobra.Command {
	var reversed bool
	cmd := &cobra.Command{
		Use:   "queue <task-id>",
		Short: "show a task's download queue, bucketed by status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/tasks/" + args[0] + "/queue"
			if reversed {
				path += "?reversed=true"
			}
			var bucket struct {
				Active    []*model.DownloadItem `json:"active"`
				Waiting   []*model.DownloadItem `json:"waiting"`
				Failed    []*model.DownloadItem `json:"failed"`
				Completed []*model.DownloadItem `json:"completed"`
			}
			if err := client().do(http.MethodGet, path, nil, &bucket); err != nil {
				return err
			}
			printBucket("active", bucket.Active)
			printBucket("waiting", bucket.Waiting)
			printBucket("failed", bucket.Failed)
			printBucket("completed", bucket.Completed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reversed, "reversed", false, "sort each bucket by message id descending")
	return cmd
}

func printBucket(label string, items []*model.DownloadItem) {
	fmt.Printf("== %s (%d) ==\n", label, len(items))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM ID\tMESSAGE ID\tFILE\tPROGRESS")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%d\t%s\t%.1f%%\n", it.ItemID, it.MessageID, it.FilePath, it.Progress)
	}
	w.Flush()
}
