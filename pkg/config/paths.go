// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"os"
	"path/filepath"
	"strings"
)

// GetPerchDataDir returns the perch data directory.
//
// Priority:
// 1. PERCH_DATA_DIR environment variable (if set and non-empty)
// 2. ~/.perch (default)
//
// The returned path is always absolute. Tilde (~) in PERCH_DATA_DIR is
// expanded to the user's home directory, and relative paths are resolved
// against the working directory.
//
// This function is called during bootstrap (before the config file is
// loaded) to locate the config file itself, so it reads os.Getenv()
// directly rather than viper.
//
// Examples:
//
//	PERCH_DATA_DIR=/srv/perch        -> /srv/perch
//	PERCH_DATA_DIR=~/perch-data      -> /home/user/perch-data
//	PERCH_DATA_DIR not set           -> /home/user/.perch
func GetPerchDataDir() string {
	if dataDir := os.Getenv("PERCH_DATA_DIR"); dataDir != "" {
		return expandPath(dataDir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir cannot be determined
		return ".perch"
	}
	return filepath.Join(homeDir, ".perch")
}

// GetPerchSubDir returns a subdirectory within the perch data directory.
// Example: GetPerchSubDir("history") returns ~/.perch/history
func GetPerchSubDir(subdir string) string {
	return filepath.Join(GetPerchDataDir(), subdir)
}

// expandPath expands ~ and resolves to absolute path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path // Return as-is if we can't get home dir
		}
		return filepath.Join(homeDir, path[2:])
	}

	// Make path absolute
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path // Return as-is if we can't make it absolute
	}
	return absPath
}
