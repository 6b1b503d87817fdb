// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine"
)

var (
	policiesJSON       bool
	policiesPolicyFile string
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Show the active compliance policy set",
	Long: `Print the policy set the analyzer would use: the embedded default,
or the YAML file named by --policy-file.

Examples:
  comply policies
  comply policies --policy-file ./policies.yaml --json`,
	Args: cobra.NoArgs,
	Run:  runPolicies,
}

func init() {
	policiesCmd.Flags().BoolVar(&policiesJSON, "json", false,
		"Output as JSON")
	policiesCmd.Flags().StringVar(&policiesPolicyFile, "policy-file", "",
		"Policy override file (YAML); default is the embedded set")

	rootCmd.AddCommand(policiesCmd)
}

func runPolicies(cmd *cobra.Command, args []string) {
	provider, err := compliance_engine.NewPolicyProvider(policiesPolicyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load policy set: %v\n", err)
		os.Exit(AnalyzeExitError)
	}
	set := provider.Current()

	if policiesJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(set); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			os.Exit(AnalyzeExitError)
		}
		return
	}

	fmt.Printf("Policy Profile: %s\n", set.Profile)
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	for _, cat := range set.Categories {
		fmt.Printf("%s (priority %d)\n", cat.Name, cat.Priority)
		if cat.Description != "" {
			fmt.Printf("  %s\n", cat.Description)
		}
		for _, g := range cat.Guidelines {
			fmt.Printf("  [%s] %-10s %s\n", g.Id, g.Severity, g.Rule)
		}
		fmt.Println()
	}

	total := 0
	for _, cat := range set.Categories {
		total += len(cat.Guidelines)
	}
	fmt.Printf("%d categories, %d guidelines\n", len(set.Categories), total)
}
