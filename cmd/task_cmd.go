package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and run tasks",
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskStatusCmd())
	cmd.AddCommand(taskHistoryCmd())
	cmd.AddCommand(taskRunCmd())
	cmd.AddCommand(taskWatchCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an idle task",
		Run: func(cmd *cobra.Command, args []string) {
			if id == "" {
				id = store.GenNewID().String()
			}
			if err := store.ValidateID("task id", id); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			stores, db, err := openStores(ctx, loadConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer db.Close()

			t, err := stores.Tasks.CreateTask(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating task: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Task %s created (status %s)\n", t.ID, t.Status)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (default: generated UUID v7)")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Print a task's status",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			stores, db, err := openStores(ctx, loadConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer db.Close()

			status, err := stores.Tasks.GetStatus(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				status = store.TaskNotFound
			} else if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(status)
		},
	}
}

func taskHistoryCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Print a task's chat rows",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			stores, db, err := openStores(ctx, loadConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer db.Close()

			rows, err := stores.Tasks.ListChats(ctx, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(rows, "", "  ")
				fmt.Println(string(data))
				return
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tROLE\tKIND\tCONTENT\n")
			for _, m := range rows {
				kind := string(m.Kind)
				if m.StreamState != "" {
					kind += "/" + string(m.StreamState)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.CreatedAt.Format(time.RFC3339), m.Role, kind, truncate(m.Content, 80))
			}
			tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
