package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskrunner/internal/bus"
	"github.com/nextlevelbuilder/taskrunner/internal/config"
	"github.com/nextlevelbuilder/taskrunner/internal/orchestrator"
	"github.com/nextlevelbuilder/taskrunner/pkg/protocol"
)

func taskRunCmd() *cobra.Command {
	var (
		agentID    string
		message    string
		standalone bool
	)

	cmd := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Send a user message to a task and stream the agent's answer",
		Long: `Send a message through the running server (HTTP + WebSocket stream).
Falls back to an in-process run when the server is not reachable.

Examples:
  taskrunner task run 3f1c... --agent 9a2b... -m "What's the weather in Paris?"
  taskrunner task run 3f1c... --agent 9a2b... -m "hi" --standalone`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runTask(args[0], agentID, message, standalone)
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent id (required)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "user message (required)")
	cmd.Flags().BoolVar(&standalone, "standalone", false, "run in-process even if a server is up")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("message")
	return cmd
}

func taskWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow a task's live stream on the running server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := dialStream(ctx, clientAddr(cfg), cfg.Server.Token, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()
			if err := printFrames(conn); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
				os.Exit(1)
			}
		},
	}
}

func runTask(taskID, agentID, message string, standalone bool) {
	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := clientAddr(cfg)
	if !standalone && isServerRunning(addr) {
		if err := runTaskClient(ctx, cfg, addr, taskID, agentID, message); err != nil {
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := runTaskStandalone(ctx, cfg, taskID, agentID, message); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(1)
	}
}

// ============================================================
// CLIENT MODE: POST /process-task while following the stream
// ============================================================

func runTaskClient(ctx context.Context, cfg *config.Config, addr, taskID, agentID, message string) error {
	conn, err := dialStream(ctx, addr, cfg.Server.Token, taskID)
	if err != nil {
		return err
	}
	defer conn.Close()

	streamed := make(chan error, 1)
	go func() { streamed <- printFrames(conn) }()

	body, _ := json.Marshal(protocol.ProcessTaskRequest{TaskID: taskID, AgentID: agentID, UserMessage: message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/process-task", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Server.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("process-task: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var e protocol.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Detail != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Detail, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}

	// The stream ends with a done frame; don't hang if it was missed.
	select {
	case <-streamed:
	case <-time.After(2 * time.Second):
	}

	var out protocol.ProcessTaskResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintf(os.Stderr, "\n[%s] %s\n", out.Status, out.Message)
	return nil
}

// dialStream opens the task's WebSocket stream.
func dialStream(ctx context.Context, addr, token, taskID string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/tasks/" + url.PathEscape(taskID) + "/stream"}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("task %s not found", taskID)
		}
		return nil, fmt.Errorf("stream connect: %w", err)
	}
	return conn, nil
}

// printFrames writes tokens to stdout until a done or error frame.
func printFrames(conn *websocket.Conn) error {
	for {
		var f protocol.StreamFrame
		if err := conn.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return nil
			}
			return err
		}
		switch f.Type {
		case protocol.FrameSnapshot:
			fmt.Print(f.Content)
		case protocol.FrameToken:
			fmt.Print(f.Token)
		case protocol.FrameDone:
			fmt.Println()
			return nil
		case protocol.FrameError:
			return errors.New(f.Error)
		}
	}
}

// ============================================================
// STANDALONE MODE: run the orchestrator in-process
// ============================================================

func runTaskStandalone(ctx context.Context, cfg *config.Config, taskID, agentID, message string) error {
	setupLogging(config.LogConfig{Level: "warn", Format: cfg.Log.Format})

	st, err := buildStack(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		st.drain(drainCtx)
	}()

	events, unsubscribe := st.bus.SubscribeChan(taskID, 256)
	defer unsubscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			switch ev.Type {
			case bus.EventToken:
				fmt.Print(ev.Token)
			case bus.EventDone, bus.EventError:
				fmt.Println()
				return
			}
		}
	}()

	resp, err := st.service.ProcessTaskMessage(ctx, taskID, agentID, message)
	select {
	case <-printed:
	case <-time.After(time.Second):
	}
	if err != nil {
		var oe *orchestrator.Error
		if errors.As(err, &oe) {
			return errors.New(oe.Detail)
		}
		return err
	}
	fmt.Fprintf(os.Stderr, "[%s] %s\n", resp.Status, resp.Message)
	return nil
}
