// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package errdefs defines the platform's error taxonomy. Every public
// operation fails with exactly one of these kinds; callers classify with
// errors.Is and the bridge serializes kinds over the wire with Kind().
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedKit indicates an invalid kit manifest or archive layout.
	ErrMalformedKit = errors.New("malformed kit")

	// ErrInvalidVersion indicates a version string that is not strict X.Y.Z.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrVersionExists indicates an upload conflicting with a stored version.
	ErrVersionExists = errors.New("version exists")

	// ErrKitNotFound indicates a referenced kit is missing from the store.
	ErrKitNotFound = errors.New("kit not found")

	// ErrModuleNotFound indicates an unknown module id.
	ErrModuleNotFound = errors.New("module not found")

	// ErrInvalidPath indicates a path safety or path label format violation.
	ErrInvalidPath = errors.New("invalid path")

	// ErrCapabilityDenied indicates a missing provides edge for a cross-module call.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrComposition indicates a tool name collision after mangling.
	ErrComposition = errors.New("composition error")

	// ErrFunctionNotFound indicates the parser could not resolve a callable.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrTool indicates a tool driver non-zero exit or container failure.
	ErrTool = errors.New("tool error")

	// ErrAgentRunner indicates a runner container build/start/timeout/exit failure.
	ErrAgentRunner = errors.New("agent runner error")

	// ErrPlatformCall is the wrapper for bridge-side failures surfaced to agents.
	ErrPlatformCall = errors.New("platform call failed")

	// ErrRegistry indicates remote kit registry I/O failure (retryable).
	ErrRegistry = errors.New("registry error")

	// ErrDecryption indicates an at-rest crypto failure for a stored row.
	ErrDecryption = errors.New("decryption error")

	// ErrDB indicates a persistence-layer failure.
	ErrDB = errors.New("database error")
)

// kindNames maps sentinel errors to their wire-level kind labels.
var kindNames = []struct {
	err  error
	name string
}{
	{ErrMalformedKit, "MalformedKit"},
	{ErrInvalidVersion, "InvalidVersion"},
	{ErrVersionExists, "VersionExists"},
	{ErrKitNotFound, "KitNotFound"},
	{ErrModuleNotFound, "ModuleNotFound"},
	{ErrInvalidPath, "InvalidPath"},
	{ErrCapabilityDenied, "CapabilityDenied"},
	{ErrComposition, "CompositionError"},
	{ErrFunctionNotFound, "FunctionNotFound"},
	{ErrTool, "ToolError"},
	{ErrAgentRunner, "AgentRunnerError"},
	{ErrPlatformCall, "PlatformCallFailed"},
	{ErrRegistry, "RegistryError"},
	{ErrDecryption, "DecryptionError"},
	{ErrDB, "DBError"},
}

// Kind returns the wire-level kind label for err, or "InternalError" when the
// error does not belong to the taxonomy.
func Kind(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "InternalError"
}

// Wrap annotates err with a formatted message while preserving its kind.
func Wrap(err error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// WithDetail attaches detail text to a sentinel kind.
// The result satisfies errors.Is(result, kind).
func WithDetail(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{kind}, args...)...)
}

// Retryable reports whether the error kind is safe to retry.
// Only remote registry I/O is considered transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrRegistry)
}
