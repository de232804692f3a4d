package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskrunner/internal/agent"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and seed agents, tools and the execution policy",
	}
	cmd.AddCommand(agentShowCmd())
	cmd.AddCommand(agentAddCmd())
	cmd.AddCommand(toolAddCmd())
	cmd.AddCommand(policyCmd())
	return cmd
}

// withStores opens the database for a short CLI operation.
func withStores(fn func(ctx context.Context, stores *store.Stores) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores, db, err := openStores(ctx, loadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := fn(ctx, stores); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// --- agent show ---

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent, its tools and the model it would run on",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withStores(func(ctx context.Context, stores *store.Stores) error {
				a, err := stores.Agents.GetAgent(ctx, args[0])
				if err != nil {
					return fmt.Errorf("agent %s: %w", args[0], err)
				}
				fmt.Printf("ID:        %s\n", a.ID)
				if a.Name != "" {
					fmt.Printf("Name:      %s\n", a.Name)
				}
				fmt.Printf("Role:      %s\n", a.Role)
				fmt.Printf("Goal:      %s\n", a.Goal)
				fmt.Printf("Backstory: %s\n", a.Backstory)

				tools, err := stores.Agents.GetTools(ctx, a.ToolIDs)
				if err != nil {
					fmt.Printf("Tools:     ERROR (%s)\n", err)
				} else {
					fmt.Printf("Tools:     %d of %d resolved\n", len(tools), len(a.ToolIDs))
					for _, t := range tools {
						fmt.Printf("  - %s  %s %s\n", t.Name, strings.ToUpper(t.HTTPMethod), t.EndpointURL)
					}
				}

				cfg := loadConfig()
				factory := agent.NewFactory(agent.FactoryConfig{
					Agents:       stores.Agents,
					PolicyID:     cfg.Agents.PolicyID,
					DefaultModel: cfg.Agents.DefaultModel,
				})
				p := factory.Policy(ctx)
				fmt.Printf("Model:     %s (max_iter=%d)\n", p.LLM, p.MaxIter)
				if knobs := agent.UnsupportedKnobs(p); len(knobs) > 0 {
					fmt.Printf("Ignored:   %s\n", strings.Join(knobs, ", "))
				}
				return nil
			})
		},
	}
}

// --- agent add ---

func agentAddCmd() *cobra.Command {
	var a store.AgentData
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or replace an agent definition",
		Run: func(cmd *cobra.Command, args []string) {
			if a.ID == "" {
				a.ID = store.GenNewID().String()
			}
			withStores(func(ctx context.Context, stores *store.Stores) error {
				if err := stores.Agents.UpsertAgent(ctx, &a); err != nil {
					return err
				}
				fmt.Printf("Agent %s saved.\n", a.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&a.ID, "id", "", "agent id (default: generated)")
	cmd.Flags().StringVar(&a.Name, "name", "", "display name")
	cmd.Flags().StringVar(&a.Role, "role", "", "persona role")
	cmd.Flags().StringVar(&a.Goal, "goal", "", "persona goal")
	cmd.Flags().StringVar(&a.Backstory, "backstory", "", "persona backstory")
	cmd.Flags().StringSliceVar(&a.ToolIDs, "tool", nil, "tool id (repeatable)")
	cmd.MarkFlagRequired("role")
	cmd.MarkFlagRequired("goal")
	return cmd
}

// --- agent tool-add ---

func toolAddCmd() *cobra.Command {
	var (
		t                    store.ToolDescriptor
		headers, query, body string
	)
	cmd := &cobra.Command{
		Use:   "tool-add",
		Short: "Create or replace a declarative HTTP tool",
		Run: func(cmd *cobra.Command, args []string) {
			if t.ID == "" {
				t.ID = store.GenNewID().String()
			}
			for _, f := range []struct {
				flag string
				raw  string
				dst  *map[string]any
			}{
				{"headers", headers, &t.Headers},
				{"query", query, &t.QueryParams},
				{"body", body, &t.Body},
			} {
				if f.raw == "" {
					continue
				}
				if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
					fmt.Fprintf(os.Stderr, "Invalid --%s JSON: %v\n", f.flag, err)
					os.Exit(1)
				}
			}
			withStores(func(ctx context.Context, stores *store.Stores) error {
				if err := stores.Agents.UpsertTool(ctx, &t); err != nil {
					return err
				}
				fmt.Printf("Tool %s (%s) saved.\n", t.ID, t.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&t.ID, "id", "", "tool id (default: generated)")
	cmd.Flags().StringVar(&t.Name, "name", "", "tool name")
	cmd.Flags().StringVar(&t.Description, "description", "", "tool description shown to the model")
	cmd.Flags().StringVar(&t.EndpointURL, "url", "", "endpoint URL")
	cmd.Flags().StringVar(&t.HTTPMethod, "method", "GET", "HTTP method")
	cmd.Flags().StringVar(&headers, "headers", "", "headers as a JSON object")
	cmd.Flags().StringVar(&query, "query", "", "query parameters as a JSON object")
	cmd.Flags().StringVar(&body, "body", "", "request body as a JSON object")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("url")
	return cmd
}

// --- agent policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or replace the global execution policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored execution policy",
		Run: func(cmd *cobra.Command, args []string) {
			policyID := loadConfig().Agents.PolicyID
			withStores(func(ctx context.Context, stores *store.Stores) error {
				p, err := stores.Agents.GetPolicy(ctx, policyID)
				if err != nil {
					return fmt.Errorf("policy %s: %w", policyID, err)
				}
				data, _ := json.MarshalIndent(p, "", "  ")
				fmt.Println(string(data))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <policy.json>",
		Short: "Replace the execution policy from a JSON file (unset fields take defaults)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			data, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			p := store.DefaultPolicy(cfg.Agents.DefaultModel)
			if err := json.Unmarshal(data, &p); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid policy JSON: %v\n", err)
				os.Exit(1)
			}
			withStores(func(ctx context.Context, stores *store.Stores) error {
				if err := stores.Agents.UpsertPolicy(ctx, cfg.Agents.PolicyID, &p); err != nil {
					return err
				}
				fmt.Printf("Policy %s saved.\n", cfg.Agents.PolicyID)
				return nil
			})
		},
	})
	return cmd
}
