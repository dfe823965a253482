package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openstack-archive/powervc-driver-sub000/internal/synchronizer"
)

var (
	baseURL string
	natsURL string
	prefix  string
	kind    string
)

var client = &http.Client{Timeout: 10 * time.Second}

var rootCmd = &cobra.Command{
	Use:          "fedsyncctl",
	Short:        "Inspect and drive a running fedsyncd",
	SilenceUsage: true,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that fedsyncd answers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out map[string]string
		if err := call(cmd.Context(), http.MethodGet, "/ping", &out); err != nil {
			return err
		}
		pterm.Success.Println(out["msg"])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the synchronizer of every kind",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out []synchronizer.Status
		if err := call(cmd.Context(), http.MethodGet, "/status"+kindQuery(), &out); err != nil {
			return err
		}
		return pterm.DefaultTable.WithHasHeader().WithData(statusTable(out)).Render()
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Request a sync tick now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out struct {
			Kinds []string `json:"kinds"`
		}
		if err := call(cmd.Context(), http.MethodPost, "/sync"+kindQuery(), &out); err != nil {
			return err
		}
		pterm.Info.Printfln("sync requested for %v", out.Kinds)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print sync reports as they are published",
	RunE: func(cmd *cobra.Command, _ []string) error {
		nc, err := nats.Connect(natsURL, nats.Name("fedsyncctl"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()

		subject := prefix + ".>"
		if kind != "" {
			subject = prefix + "." + kind
		}
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			var r synchronizer.Report
			if err := json.Unmarshal(msg.Data, &r); err != nil {
				pterm.Warning.Printfln("undecodable report on %s: %v", msg.Subject, err)
				return
			}
			printReport(r)
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		pterm.Info.Printfln("watching %s on %s", subject, natsURL)
		<-cmd.Context().Done()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "http://localhost:8080", "fedsyncd HTTP address")
	rootCmd.PersistentFlags().StringVar(&kind, "kind", "", "restrict to one resource kind")
	watchCmd.Flags().StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server carrying the reports")
	watchCmd.Flags().StringVar(&prefix, "prefix", "fedsync.reports", "report subject prefix")
	rootCmd.AddCommand(pingCmd, statusCmd, syncCmd, watchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		stop()
		os.Exit(1)
	}
}

func kindQuery() string {
	if kind == "" {
		return ""
	}
	return "?kind=" + url.QueryEscape(kind)
}

func call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusTable(all []synchronizer.Status) pterm.TableData {
	data := pterm.TableData{{"KIND", "STATE", "QUEUE", "RECORDS", "TICKS", "FAILED", "CREATED", "UPDATED", "DELETED", "LAST TICK"}}
	for _, st := range all {
		state := "starting"
		switch {
		case st.Fatal != "":
			state = pterm.Red("failed")
		case !st.Running:
			state = pterm.Gray("stopped")
		case st.Controller.StartupDone:
			state = pterm.Green("syncing")
		}
		records := 0
		for _, n := range st.Records {
			records += n
		}
		last := "-"
		if !st.Controller.LastTickAt.IsZero() {
			last = st.Controller.LastTickAt.Format("2006-01-02 15:04:05")
		}
		data = append(data, []string{
			string(st.Kind), state,
			fmt.Sprint(st.QueueDepth), fmt.Sprint(records),
			fmt.Sprint(st.Controller.Ticks), fmt.Sprint(st.Controller.Failures),
			fmt.Sprint(st.Totals.Created), fmt.Sprint(st.Totals.Updated), fmt.Sprint(st.Totals.Deleted),
			last,
		})
	}
	return data
}

func printReport(r synchronizer.Report) {
	line := fmt.Sprintf("%s %-11s %-7s created=%d updated=%d deleted=%d merged=%d adopted=%d took=%s",
		r.At.Format("15:04:05"), r.Kind, r.Mode,
		r.Counts.Created, r.Counts.Updated, r.Counts.Deleted, r.Counts.Merged, r.Counts.Adopted,
		r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		pterm.Error.Println(line + " error=" + r.Error)
		return
	}
	pterm.Info.Println(line)
}
