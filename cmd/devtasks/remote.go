package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/loykin/devtasks/pkg/client"
)

func (c *command) apiClient(ctx context.Context, f RemoteFlags) (*client.Client, error) {
	cl := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("status API not reachable at %s - start a run with --status-listen first", f.APIUrl)
	}
	return cl, nil
}

// Status prints the task table, or one task with its process details.
func (c *command) Status(ctx context.Context, f RemoteFlags, name string) error {
	cl, err := c.apiClient(ctx, f)
	if err != nil {
		return err
	}
	var v any
	var list []client.TaskStatus
	if name != "" {
		st, err := cl.Task(ctx, name)
		if err != nil {
			return err
		}
		v, list = st, []client.TaskStatus{st}
	} else {
		if list, err = cl.Tasks(ctx); err != nil {
			return err
		}
		v = list
	}
	if f.JSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASK\tSTATE\tDURATION\tPID\tREASON")
	for _, st := range list {
		pid := "-"
		if st.Process != nil && st.Process.PID > 0 {
			pid = fmt.Sprint(st.Process.PID)
		}
		reason := st.Reason
		if st.Error != "" {
			reason = st.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.Name, st.State, st.Duration.Round(time.Millisecond), pid, reason)
	}
	return w.Flush()
}

func (c *command) Retrigger(ctx context.Context, f RemoteFlags, name string) error {
	cl, err := c.apiClient(ctx, f)
	if err != nil {
		return err
	}
	if err := cl.Retrigger(ctx, name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout, "retriggered %s\n", name)
	return nil
}

func (c *command) Restart(ctx context.Context, f RemoteFlags, name string) error {
	cl, err := c.apiClient(ctx, f)
	if err != nil {
		return err
	}
	if err := cl.Restart(ctx, name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout, "restarting %s\n", name)
	return nil
}
