package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	"github.com/abdul-hamid-achik/counselor/internal/llm"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show configured vendors and role routing",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return providersList(cfg)
	},
}

var providersTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a short prompt through every role's route and time it",
	RunE:  providersTest,
}

func init() {
	providersCmd.AddCommand(providersTestCmd)
}

func sortedRoles(cfg *config.Config) []config.Role {
	roles := make([]config.Role, 0, len(cfg.Routing))
	for r := range cfg.Routing {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// providersList prints the enabled vendors and where each role is routed.
func providersList(cfg *config.Config) error {
	fmt.Println("Enabled vendors:")
	fmt.Println()
	for _, v := range cfg.EnabledVendors() {
		fmt.Printf("  %-10s fast: %-28s smart: %s\n", v, cfg.GetModel(v, config.TierFast), cfg.GetModel(v, config.TierSmart))
	}
	fmt.Println()

	fmt.Println("Routing:")
	for _, r := range sortedRoles(cfg) {
		route := cfg.Routing[r]
		fallback := string(route.Fallback)
		if fallback == "" {
			fallback = "-"
		}
		fmt.Printf("  %-11s %-5s %s -> %s\n", r, route.Tier, route.Preferred, fallback)
	}
	if p := cfg.ConfigPath(); p != "" {
		fmt.Println()
		fmt.Printf("Config: %s\n", p)
	}
	return nil
}

// providersTest sends one prompt per role and reports latency and the vendor that answered.
func providersTest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	providers, err := llm.NewProviders(ctx, cfg, log)
	if err != nil {
		return err
	}
	router := llm.NewRouter(cfg, providers, log)

	fmt.Println("Testing role routes (prompt: 'What is 2+2?')...")
	fmt.Println()
	for _, r := range sortedRoles(cfg) {
		fmt.Printf("Testing %s... ", r)
		start := time.Now()
		res, err := router.Generate(ctx, r, llm.Request{
			Messages: []llm.Message{{Role: "user", Content: "What is 2+2? Answer with just the number."}},
		})
		elapsed := time.Since(start)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			log.Debug("route test failed", logging.Role(string(r)), logging.Error(err))
			continue
		}

		text := strings.TrimSpace(res.Output.Text)
		if len(text) > 50 {
			text = text[:47] + "..."
		}
		via := string(res.Vendor)
		if res.FellBack {
			via += " (fallback)"
		}
		fmt.Printf("%.2fs via %s - %q\n", elapsed.Seconds(), via, text)
	}
	return nil
}
