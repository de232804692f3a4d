package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskrunner/internal/agent"
	"github.com/nextlevelbuilder/taskrunner/internal/config"
	"github.com/nextlevelbuilder/taskrunner/internal/store/sqlstore"
	"github.com/nextlevelbuilder/taskrunner/internal/stream"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database and provider health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("taskrunner doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	sc := storeConfig(cfg)
	fmt.Printf("    %-12s %s\n", "Driver:", sc.ResolvedDriver())
	if status, err := sqlstore.SchemaVersion(sc.ResolvedDriver(), sc.DSN()); err != nil {
		fmt.Printf("    %-12s ERROR (%s)\n", "Schema:", err)
	} else {
		fmt.Printf("    %-12s version %d dirty=%v\n", "Schema:", status.Version, status.Dirty)
	}
	stores, db, err := openStores(ctx, cfg)
	if err != nil {
		fmt.Printf("    %-12s ERROR (%s)\n", "Connection:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "Connection:")
		if p, err := stores.Agents.GetPolicy(ctx, cfg.Agents.PolicyID); err != nil {
			fmt.Printf("    %-12s %s (defaults apply)\n", "Policy:", err)
		} else {
			fmt.Printf("    %-12s llm=%s max_iter=%d\n", "Policy:", p.LLM, p.MaxIter)
			if knobs := agent.UnsupportedKnobs(*p); len(knobs) > 0 {
				fmt.Printf("    %-12s %s\n", "Ignored:", strings.Join(knobs, ", "))
			}
		}
		db.Close()
	}

	// Providers
	fmt.Println()
	fmt.Println("  Providers:")
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, name := range names {
		checkProvider(name, cfg.Providers[name].APIKey)
	}
	fmt.Printf("    %-12s %s\n", "Default:", cfg.Agents.DefaultModel)

	// Redis
	fmt.Println()
	if cfg.Redis.URL == "" {
		fmt.Printf("  %-14s disabled\n", "Redis:")
	} else if rp, err := stream.NewRedisPublisher(ctx, cfg.Redis.URL, cfg.Redis.ChannelPrefix); err != nil {
		fmt.Printf("  %-14s ERROR (%s)\n", "Redis:", err)
	} else {
		fmt.Printf("  %-14s OK\n", "Redis:")
		rp.Close()
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	switch {
	case apiKey == "":
		fmt.Printf("    %-12s (no key)\n", name+":")
	case len(apiKey) <= 8:
		fmt.Printf("    %-12s ****\n", name+":")
	default:
		maskedKey := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		fmt.Printf("    %-12s %s\n", name+":", maskedKey)
	}
}
