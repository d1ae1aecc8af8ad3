package clicommand

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/raibid-labs/raibid/api"
	"github.com/raibid-labs/raibid/job"
)

var jsonFlag = cli.BoolFlag{
	Name:  "json",
	Usage: "Print raw JSON instead of a table",
}

var JobListCommand = cli.Command{
	Name:  "list",
	Usage: "List jobs, newest first",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "status", Usage: "Filter by status (pending, running, success, failed, cancelled)"},
		cli.StringFlag{Name: "repo", Usage: "Filter by repository (owner/name)"},
		cli.StringFlag{Name: "branch", Usage: "Filter by branch"},
		cli.IntFlag{Name: "limit", Value: 25, Usage: "Page size"},
		cli.IntFlag{Name: "offset", Usage: "Page offset"},
		endpointFlag,
		jsonFlag,
	},
	Action: func(c *cli.Context) error {
		list, err := newAPIClient(c).ListJobs(context.Background(), api.ListJobsOptions{
			Status: c.String("status"),
			Repo:   c.String("repo"),
			Branch: c.String("branch"),
			Limit:  c.Int("limit"),
			Offset: c.Int("offset"),
		})
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		if c.Bool("json") {
			return printJSON(list)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tREPO\tBRANCH\tSTATUS\tATTEMPT\tCREATED")
		for _, j := range list.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				j.ID, j.Repo, j.Branch, j.Status, j.Attempt, j.MaxAttempts,
				j.CreatedAt.Local().Format(time.RFC3339))
		}
		w.Flush()
		fmt.Printf("%d of %d jobs\n", len(list.Jobs), list.Total)
		return nil
	},
}

var JobGetCommand = cli.Command{
	Name:      "get",
	Usage:     "Show one job",
	ArgsUsage: "<job-id>",
	Flags:     []cli.Flag{endpointFlag},
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.NewExitError("usage: raibid job get <job-id>", 1)
		}
		j, err := newAPIClient(c).GetJob(context.Background(), id)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return printJSON(j)
	},
}

var JobTriggerCommand = cli.Command{
	Name:      "trigger",
	Usage:     "Manually trigger a build",
	ArgsUsage: "<owner/name>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "branch", Value: "main", Usage: "Branch to build"},
		cli.StringFlag{Name: "commit", Usage: "Commit SHA (default: branch HEAD at clone time)"},
		cli.StringFlag{Name: "disable-step", Usage: "Comma-separated steps to skip (audit, docker-build, docker-push)"},
		endpointFlag,
	},
	Action: func(c *cli.Context) error {
		repo := c.Args().First()
		if repo == "" {
			return cli.NewExitError("usage: raibid job trigger <owner/name>", 1)
		}
		req := api.TriggerRequest{
			Repo:   repo,
			Branch: c.String("branch"),
			Commit: c.String("commit"),
		}
		if steps := c.String("disable-step"); steps != "" {
			req.DisabledSteps = strings.Split(steps, ",")
		}
		j, err := newAPIClient(c).TriggerJob(context.Background(), req)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		fmt.Printf("triggered %s for %s@%s\n", j.ID, j.Repo, j.Branch)
		return nil
	},
}

var JobCancelCommand = cli.Command{
	Name:      "cancel",
	Usage:     "Request cancellation of a job",
	ArgsUsage: "<job-id>",
	Flags:     []cli.Flag{endpointFlag},
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.NewExitError("usage: raibid job cancel <job-id>", 1)
		}
		j, err := newAPIClient(c).CancelJob(context.Background(), id)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		fmt.Printf("job %s is %s\n", j.ID, j.Status)
		return nil
	},
}

var JobLogsCommand = cli.Command{
	Name:      "logs",
	Usage:     "Print or follow a job's log",
	ArgsUsage: "<job-id>",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "tail", Usage: "Only the N most recent lines"},
		cli.BoolFlag{Name: "follow, f", Usage: "Stream new lines until the job terminates"},
		endpointFlag,
	},
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.NewExitError("usage: raibid job logs <job-id>", 1)
		}
		client := newAPIClient(c)

		if c.Bool("follow") {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err := client.FollowLogs(ctx, id, 0, func(e job.LogEntry) error {
				printLogEntry(e)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				return cli.NewExitError(err.Error(), 1)
			}
			return nil
		}

		page, err := client.JobLogs(context.Background(), id, c.Int("tail"), 0)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		for _, e := range page.Entries {
			printLogEntry(e)
		}
		return nil
	},
}

func printLogEntry(e job.LogEntry) {
	step := e.Step
	if step == "" {
		step = "-"
	}
	fmt.Printf("%s %-6s %-12s %s\n",
		e.Timestamp.Local().Format("15:04:05.000"), e.Stream, step, e.Message)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}
