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
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// policyReloadDebounce coalesces editor write bursts into one reload.
const policyReloadDebounce = 250 * time.Millisecond

// PolicyProvider hands out the current policy set and hot-reloads it when an
// on-disk override file changes.
//
// Load order: the embedded default set, then the override file if present.
// A broken override is logged and skipped; the previous good set stays
// active, so a bad edit can never take analysis down.
type PolicyProvider struct {
	mu      sync.RWMutex
	current *PolicySet
	path    string
}

// NewPolicyProvider loads the initial set. path may be empty (embedded
// default only).
func NewPolicyProvider(path string) (*PolicyProvider, error) {
	set, err := DefaultPolicySet()
	if err != nil {
		return nil, err
	}
	p := &PolicyProvider{current: set, path: path}
	if path != "" {
		if err := p.reload(); err != nil {
			slog.Warn("Policy override unusable at startup, using embedded default",
				"path", path, "error", err)
		}
	}
	return p, nil
}

// Current returns the active policy set.
func (p *PolicyProvider) Current() *PolicySet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *PolicyProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	set, err := LoadPolicySet(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.current = set
	p.mu.Unlock()
	slog.Info("Policy set reloaded", "path", p.path, "profile", set.Profile,
		"categories", len(set.Categories))
	return nil
}

// Watch hot-reloads the override file until ctx is done.
//
// The parent directory is watched rather than the file itself so that
// rename-based atomic writes (editors, configmap updates) keep working.
// Returns immediately when no override path is configured.
func (p *PolicyProvider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	slog.Info("Watching policy override for changes", "path", p.path)

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(policyReloadDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			if err := p.reload(); err != nil {
				slog.Warn("Policy reload failed, keeping previous set",
					"path", p.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Policy watcher error", "error", err)
		}
	}
}
