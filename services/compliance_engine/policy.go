// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compliance_engine

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianComply/services/compliance_engine/enforcement"
)

// PolicySet is the configured rule book an analysis pass enforces.
//
// The set is configuration data, not engine logic: it is rendered into the
// behavioral preamble sent with every model request, and the guideline ids
// are what the model echoes back in guidelineRef fields.
type PolicySet struct {
	Profile    string           `yaml:"profile" json:"profile"`
	Categories []PolicyCategory `yaml:"categories" json:"categories"`
}

// PolicyCategory groups guidelines under one compliance concern.
type PolicyCategory struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Priority    int         `yaml:"priority" json:"priority"`
	Guidelines  []Guideline `yaml:"guidelines" json:"guidelines"`
}

// Guideline is a single enforceable rule.
type Guideline struct {
	Id       string   `yaml:"id" json:"id"`
	Severity Severity `yaml:"severity" json:"severity"`
	Rule     string   `yaml:"rule" json:"rule"`
}

// UnmarshalYAML rejects severities outside the known levels at load time, so
// a bad policy file fails fast instead of producing unclassifiable issues.
func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	incoming := Severity(raw)
	switch incoming {
	case SeverityCritical, SeverityWarning, SeveritySuggestion:
		*s = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Severity: %q", incoming)
	}
}

// LoadPolicySet parses a policy set from YAML bytes and sorts its categories
// from highest to lowest priority.
func LoadPolicySet(data []byte) (*PolicySet, error) {
	var set PolicySet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the policy set: %w", err)
	}
	if len(set.Categories) == 0 {
		return nil, fmt.Errorf("policy set %q declares no categories", set.Profile)
	}
	sort.Slice(set.Categories, func(i, j int) bool {
		return set.Categories[i].Priority > set.Categories[j].Priority
	})
	return &set, nil
}

// DefaultPolicySet loads the policy definitions embedded in the binary.
func DefaultPolicySet() (*PolicySet, error) {
	return LoadPolicySet(enforcement.DefaultPolicyRules)
}

// SystemPrompt renders the policy set into the behavioral preamble for the
// model, including the exact JSON response contract the extractor and the
// allocator depend on.
func (s *PolicySet) SystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a compliance reviewer. Examine the provided text against the ")
	b.WriteString("following policy guidelines and report every violation.\n\n")
	for _, cat := range s.Categories {
		fmt.Fprintf(&b, "Category %q: %s\n", cat.Name, cat.Description)
		for _, g := range cat.Guidelines {
			fmt.Fprintf(&b, "  [%s] (%s) %s\n", g.Id, g.Severity, g.Rule)
		}
	}
	b.WriteString("\nRespond with JSON only, no prose, in this shape:\n")
	b.WriteString(`{"issues":[{"originalText":"<exact substring copied verbatim from the text>",` +
		`"category":"<category name>","severity":"CRITICAL|WARNING|SUGGESTION",` +
		`"explanation":"<why this violates the guideline>",` +
		`"suggestion":"<replacement text>","guidelineRef":"<guideline id>"}]}`)
	b.WriteString("\nIf a document or image was attached instead of text, also include an ")
	b.WriteString(`"extractedText" field containing the text you analyzed.`)
	b.WriteString("\noriginalText must be copied character for character; never paraphrase it.")
	return b.String()
}
