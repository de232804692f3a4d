package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskrunner/internal/config"
	"github.com/nextlevelbuilder/taskrunner/internal/providers"
)

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List configured providers and model resolution",
	}
	cmd.AddCommand(modelsListCmd())
	cmd.AddCommand(modelsResolveCmd())
	return cmd
}

type modelEntry struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Status   string `json:"status"`
}

func modelsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered providers and their default models",
		Run: func(cmd *cobra.Command, args []string) {
			entries := buildModelList(loadConfig())

			if jsonOutput {
				data, _ := json.MarshalIndent(entries, "", "  ")
				fmt.Println(string(data))
				return
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "PROVIDER\tMODEL\tSTATUS\n")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Provider, e.Model, e.Status)
			}
			tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func modelsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <model-id>",
		Short: "Show which provider serves a model identifier",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			reg := providers.NewFromConfig(providerConfigs(loadConfig()))
			p, model, err := reg.Resolve(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s -> provider %s, model %s\n", args[0], p.Name(), model)
		},
	}
}

func buildModelList(cfg *config.Config) []modelEntry {
	entries := []modelEntry{{
		Provider: "-",
		Model:    cfg.Agents.DefaultModel,
		Status:   "default",
	}}

	reg := providers.NewFromConfig(providerConfigs(cfg))
	for _, name := range reg.Names() {
		p, _ := reg.Get(name)
		entries = append(entries, modelEntry{
			Provider: name,
			Model:    p.DefaultModel(),
			Status:   "available",
		})
	}
	for name := range cfg.Providers {
		if _, ok := reg.Get(name); !ok {
			entries = append(entries, modelEntry{Provider: name, Model: "-", Status: "missing credentials"})
		}
	}
	return entries
}
