// Package cli rfgrid-cli 的命令定义，通过协调器 REST 接口操作任务和节点
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rfgrid/pkg/client"
)

type options struct {
	master  string
	timeout time.Duration
	json    bool
}

func (o *options) client() *client.Client {
	return client.New(o.master, o.timeout)
}

// NewRootCmd 每次返回新的命令树，测试里可以并行使用
func NewRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "rfgrid-cli",
		Short: "Operate an RF sensing grid coordinator",
		Long: `rfgrid-cli talks to the coordinator REST API.

Examples:
  rfgrid-cli submit --type spectrum-scan --freq 433-435 --min-nodes 3
  rfgrid-cli submit -f df-job.yaml
  rfgrid-cli job list --state queued,running
  rfgrid-cli job cancel <job-id>
  rfgrid-cli node list`,
		SilenceUsage: true,
	}

	defaultMaster := os.Getenv("RFGRID_MASTER_URL")
	if defaultMaster == "" {
		defaultMaster = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.master, "master", defaultMaster, "coordinator base URL")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")

	cmd.AddCommand(newSubmitCmd(opts))
	cmd.AddCommand(newJobCmd(opts))
	cmd.AddCommand(newNodeCmd(opts))
	return cmd
}

// Execute rfgrid-cli 入口
func Execute() error {
	return NewRootCmd().Execute()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
