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
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianComply/pkg/logging"
)

var (
	rootVerbose bool
	rootLogDir  string

	// cliLogger is shared by all subcommands. Command output goes to
	// stdout; diagnostics go through the logger on stderr.
	cliLogger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "comply",
	Short: "Compliance analysis for marketing and advisory text",
	Long: `comply reviews documents against a compliance policy set using an
LLM backend and reports every violation with an exact location and a
suggested rewrite.

Backend selection and credentials come from the environment:
  COMPLY_LLM_BACKEND   "ollama" (default) or "openai"
  OLLAMA_SERVICE_URL   Ollama endpoint (default http://localhost:11434)
  OPENAI_API_KEY       OpenAI credential when the openai backend is used`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelWarn
		if rootVerbose {
			level = logging.LevelDebug
		}
		cliLogger = logging.New(logging.Config{
			Level:   level,
			LogDir:  rootLogDir,
			Service: "cli",
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cliLogger != nil {
			_ = cliLogger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false,
		"Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootLogDir, "log-dir", "",
		"Also write JSON logs to this directory")
}

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
