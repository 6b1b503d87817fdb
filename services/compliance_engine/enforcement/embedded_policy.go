// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
This file serves as the bridge between the build system and the runtime logic. It utilizes the Go
embed package to bake the default_policy_rules.yaml file directly into the compiled binary.
This ensures that a usable policy set always travels with the executable, even when no
override file is configured on the host.
*/

package enforcement

import (
	_ "embed"
)

// DefaultPolicyRules holds the raw byte content of the 'default_policy_rules.yaml' file.
//
// This variable is populated at compile-time using the Go 'embed' directive. Deployments
// can layer an override file on top via COMPLY_POLICY_FILE, but the embedded set is the
// guaranteed baseline.
//
// Usage:
//
//	// Pass these bytes directly to yaml.Unmarshal
//	err := yaml.Unmarshal(enforcement.DefaultPolicyRules, &targetStruct)
//
//go:embed default_policy_rules.yaml
var DefaultPolicyRules []byte
