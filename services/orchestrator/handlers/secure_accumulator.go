// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the comply service.
//
// This file implements secure content accumulation. Documents submitted for
// compliance review are frequently privileged (draft marketing copy, legal
// text under revision), so streamed model output is held in mlocked memory
// to prevent swapping to disk, and incrementally hashed to produce the
// content hash recorded in the audit history.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// SecureBufferSize is the size of the mlocked buffer for content
	// accumulation. 2 MB covers the 1 MB document cap plus the JSON framing
	// a full streamed analysis response carries around it.
	SecureBufferSize = 2 * 1024 * 1024 // 2 MB

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 2048
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient is set during initialization to indicate if secure
	// memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the current mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// ContentAccumulator defines the contract for accumulating streamed content.
//
// # Description
//
// ContentAccumulator abstracts storage of model output during a streaming
// analysis, allowing different implementations (secure/insecure) based on
// system capabilities. Fragments are hashed incrementally as they arrive, so
// the final hash covers exactly the bytes that were streamed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Examples
//
//	acc, err := NewSecureContentAccumulator()
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
//
//	acc.Write(fragment)
//	content, hash, _ := acc.Finalize()
//
// # Limitations
//
//   - Buffer size is fixed (cannot grow dynamically)
//   - Accumulator cannot be reused after Finalize() or Destroy()
type ContentAccumulator interface {
	// Write appends a fragment to the accumulator.
	//
	// Copies fragment bytes into the buffer and updates the incremental
	// hash. Fragments are hashed immediately as they arrive, never sitting
	// unhashed. Returns an error on overflow or after Destroy/Finalize.
	Write(fragment string) error

	// Finalize returns the accumulated content and its hash, then wipes
	// memory.
	//
	// The hash is SHA-256 of the content, hex encoded (64 characters); it
	// becomes the ContentHash stored in the audit history. Can only be
	// called once; the accumulator is unusable afterwards.
	Finalize() (content string, hash string, err error)

	// Destroy wipes memory without returning data.
	//
	// Use this on error paths where the accumulated data is not needed.
	// Safe to call multiple times.
	Destroy()

	// ID returns a unique identifier for this accumulator instance,
	// for logging and debugging.
	ID() string

	// CreatedAt returns when this accumulator was created.
	CreatedAt() time.Time
}

// =============================================================================
// Structs: Secure Implementation
// =============================================================================

// secureContentAccumulator stores content in mlocked memory with incremental
// hashing.
//
// # Description
//
// Uses a memguard LockedBuffer for in-memory storage of streamed analysis
// output. Memory protections include:
//   - Locked (mlock) to prevent swapping to disk
//   - Guard pages to detect buffer overflows
//   - Canary values to detect buffer underflows
//   - Explicit zeroing on Destroy() to prevent memory forensics
//   - Incremental SHA-256 hashing as fragments arrive
//
// # Thread Safety
//
// Safe for concurrent use. Uses a mutex to protect internal state.
//
// # System Requirements
//
// Requires mlock limit >= SecureBufferSize (2 MB).
type secureContentAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Structs: Insecure Fallback Implementation
// =============================================================================

// insecureContentAccumulator is a fallback for systems without sufficient
// mlock.
//
// # Description
//
// Provides the same interface as secureContentAccumulator but uses standard
// Go memory ([]byte). Used when:
//   - mlock limits are insufficient
//   - COMPLY_INSECURE_MEMORY=true is set
//
// # Security Warning
//
// This implementation does NOT provide the guarantees of the secure version.
// Document text may be swapped to disk and is not protected by guard pages.
type insecureContentAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewSecureContentAccumulator creates a new secure content accumulator.
//
// # Description
//
// Allocates an mlocked buffer of SecureBufferSize bytes. If the mlock limit
// is insufficient and COMPLY_INSECURE_MEMORY is not set, returns an error.
// If COMPLY_INSECURE_MEMORY=true, falls back to the insecure accumulator
// with a warning.
//
// # Outputs
//
//   - ContentAccumulator: Ready for use (secure or insecure based on system)
//   - error: Non-nil if allocation failed and no fallback available
func NewSecureContentAccumulator() (ContentAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	return allocateSecureBuffer()
}

// newInsecureContentAccumulator creates an insecure fallback accumulator.
//
// Used when secure memory is unavailable and the operator has acknowledged
// the risk via COMPLY_INSECURE_MEMORY.
func newInsecureContentAccumulator() ContentAccumulator {
	accID := uuid.New().String()

	slog.Warn("Created INSECURE content accumulator - document text may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureContentAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, SecureBufferSize),
		hasher:    sha256.New(),
		overflow:  false,
		destroyed: false,
	}
}

// =============================================================================
// secureContentAccumulator Methods
// =============================================================================

// Write appends a fragment to the secure buffer.
//
// Copies fragment bytes into the mlocked buffer and updates the incremental
// hash. If the buffer would overflow, sets the overflow flag and returns an
// error; overflow is unrecoverable for this accumulator.
func (a *secureContentAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateWriteState(); err != nil {
		return err
	}

	fragmentBytes := []byte(fragment)

	if err := a.checkBufferCapacity(len(fragmentBytes)); err != nil {
		return err
	}

	a.copyToBuffer(fragmentBytes)
	a.updateHash(fragmentBytes)

	return nil
}

// Finalize returns the accumulated content and its hash, then wipes the
// buffer.
//
// Extracts the complete content string and SHA-256 hash from the secure
// buffer, then wipes the buffer memory. The accumulator cannot be reused.
func (a *secureContentAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateFinalizeState(); err != nil {
		return "", "", err
	}

	content := a.extractContent()
	hashStr := a.finalizeHash()
	a.wipeBuffer()

	a.logFinalization(len(content), hashStr)

	return content, hashStr, nil
}

// Destroy wipes the buffer without returning data. Idempotent.
func (a *secureContentAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeBuffer()
	a.logDestruction()
}

// ID returns the unique identifier for this accumulator instance.
func (a *secureContentAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when this accumulator was created.
func (a *secureContentAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// =============================================================================
// secureContentAccumulator Private Methods
// =============================================================================

// validateWriteState checks if the accumulator is in a valid state for
// writing.
func (a *secureContentAccumulator) validateWriteState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - response too large")
	}
	return nil
}

// checkBufferCapacity verifies there is room for the fragment.
func (a *secureContentAccumulator) checkBufferCapacity(fragmentLen int) error {
	if a.offset+fragmentLen > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			fragmentLen, SecureBufferSize-a.offset)
	}
	return nil
}

// copyToBuffer copies fragment bytes into the secure buffer.
func (a *secureContentAccumulator) copyToBuffer(fragmentBytes []byte) {
	copy(a.buffer.Bytes()[a.offset:], fragmentBytes)
	a.offset += len(fragmentBytes)
}

// updateHash adds fragment bytes to the incremental hash.
func (a *secureContentAccumulator) updateHash(fragmentBytes []byte) {
	a.hasher.Write(fragmentBytes)
}

// validateFinalizeState checks if the accumulator can be finalized.
func (a *secureContentAccumulator) validateFinalizeState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeBuffer()
		return fmt.Errorf("buffer overflowed during accumulation")
	}
	return nil
}

// extractContent copies the content out of secure memory.
func (a *secureContentAccumulator) extractContent() string {
	return string(a.buffer.Bytes()[:a.offset])
}

// finalizeHash returns the final hash as a hex string.
func (a *secureContentAccumulator) finalizeHash() string {
	hashBytes := a.hasher.Sum(nil)
	return hex.EncodeToString(hashBytes)
}

// wipeBuffer destroys the secure buffer and marks as destroyed.
func (a *secureContentAccumulator) wipeBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// logFinalization logs successful finalization.
func (a *secureContentAccumulator) logFinalization(contentLen int, hashStr string) {
	slog.Debug("Finalized secure content accumulator",
		"accumulator_id", a.id,
		"content_length", contentLen,
		"hash", hashStr[:16]+"...",
	)
}

// logDestruction logs accumulator destruction.
func (a *secureContentAccumulator) logDestruction() {
	slog.Debug("Destroyed secure content accumulator",
		"accumulator_id", a.id,
	)
}

// =============================================================================
// insecureContentAccumulator Methods
// =============================================================================

// Write appends a fragment to the insecure buffer.
func (a *insecureContentAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateWriteState(); err != nil {
		return err
	}

	fragmentBytes := []byte(fragment)

	if err := a.checkBufferCapacity(len(fragmentBytes)); err != nil {
		return err
	}

	a.appendToData(fragmentBytes)
	a.updateHash(fragmentBytes)

	return nil
}

// Finalize returns the accumulated content and hash, attempting to zero
// memory.
//
// Due to Go's garbage collector, copies of the data may remain in memory;
// wiping is best-effort only.
func (a *insecureContentAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateFinalizeState(); err != nil {
		return "", "", err
	}

	content := string(a.data)
	hashStr := a.finalizeHash()
	a.wipeData()

	a.logFinalization(len(content))

	return content, hashStr, nil
}

// Destroy attempts to wipe memory (best effort). Idempotent.
func (a *insecureContentAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeData()
	a.logDestruction()
}

// ID returns the unique identifier for this accumulator instance.
func (a *insecureContentAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when this accumulator was created.
func (a *insecureContentAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// =============================================================================
// insecureContentAccumulator Private Methods
// =============================================================================

// validateWriteState checks if the accumulator is in a valid state for
// writing.
func (a *insecureContentAccumulator) validateWriteState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - response too large")
	}
	return nil
}

// checkBufferCapacity verifies there is room for the fragment.
func (a *insecureContentAccumulator) checkBufferCapacity(fragmentLen int) error {
	if len(a.data)+fragmentLen > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			fragmentLen, SecureBufferSize-len(a.data))
	}
	return nil
}

// appendToData appends fragment bytes to the data slice.
func (a *insecureContentAccumulator) appendToData(fragmentBytes []byte) {
	a.data = append(a.data, fragmentBytes...)
}

// updateHash adds fragment bytes to the incremental hash.
func (a *insecureContentAccumulator) updateHash(fragmentBytes []byte) {
	a.hasher.Write(fragmentBytes)
}

// validateFinalizeState checks if the accumulator can be finalized.
func (a *insecureContentAccumulator) validateFinalizeState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeData()
		return fmt.Errorf("buffer overflowed during accumulation")
	}
	return nil
}

// finalizeHash returns the final hash as a hex string.
func (a *insecureContentAccumulator) finalizeHash() string {
	hashBytes := a.hasher.Sum(nil)
	return hex.EncodeToString(hashBytes)
}

// wipeData zeros the data slice (best effort).
func (a *insecureContentAccumulator) wipeData() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// logFinalization logs successful finalization.
func (a *insecureContentAccumulator) logFinalization(contentLen int) {
	slog.Debug("Finalized insecure content accumulator",
		"accumulator_id", a.id,
		"content_length", contentLen,
	)
}

// logDestruction logs accumulator destruction.
func (a *insecureContentAccumulator) logDestruction() {
	slog.Debug("Destroyed insecure content accumulator",
		"accumulator_id", a.id,
	)
}

// =============================================================================
// Package Initialization Functions
// =============================================================================

// initMemguard initializes the memguard library and checks mlock limits.
//
// Performs one-time initialization of memguard and validates that the system
// has sufficient mlock limits for secure memory operations. Called
// automatically when creating the first accumulator.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit checks if the system has sufficient mlock limits.
//
// Queries the kernel for the current mlock resource limit and compares it
// against the minimum required for secure content accumulation. Returns the
// current limit in kilobytes (-1 if unlimited).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// logMlockStatus logs the current mlock status.
func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"status", "sufficient",
		)
	} else {
		logInsufficientMlock()
	}
}

// logInsufficientMlock logs a warning about insufficient mlock limits.
func logInsufficientMlock() {
	insecureMode := os.Getenv("COMPLY_INSECURE_MEMORY") == "true"
	if insecureMode {
		slog.Warn("SECURITY: Running with insecure memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", "COMPLY_INSECURE_MEMORY=true",
		)
	} else {
		slog.Error("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "Raise RLIMIT_MEMLOCK or set COMPLY_INSECURE_MEMORY=true",
		)
	}
}

// handleInsufficientMlock handles the case when mlock limits are
// insufficient.
func handleInsufficientMlock() (ContentAccumulator, error) {
	if os.Getenv("COMPLY_INSECURE_MEMORY") == "true" {
		slog.Warn("Using insecure memory accumulator due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newInsecureContentAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Configure system limits or set COMPLY_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// allocateSecureBuffer allocates a new secure buffer.
func allocateSecureBuffer() (ContentAccumulator, error) {
	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	accID := uuid.New().String()

	slog.Debug("Created secure content accumulator",
		"accumulator_id", accID,
		"buffer_size", SecureBufferSize,
	)

	return &secureContentAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
		offset:    0,
		hasher:    sha256.New(),
		overflow:  false,
		destroyed: false,
	}, nil
}

// =============================================================================
// Utility Functions
// =============================================================================

// IsMlockAvailable returns whether secure memory is available on this system.
//
// Returns the current mlock limit in KB (-1 if unlimited). The result may
// change if system limits are modified.
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory.
//
// Should be called during graceful shutdown so no document text survives in
// memory. This is automatically triggered on SIGINT/SIGTERM because
// memguard.CatchInterrupt() is armed at initialization.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
