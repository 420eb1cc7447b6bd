// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	perchconfig "github.com/teradata-labs/perch/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage perch configuration",
	Long:  `Manage configuration files and secrets for the perch control plane.`,
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an example configuration file",
	Long:  `Print a commented example perchd.yaml to stdout.`,
	Run:   runConfigExample,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate example configuration file",
	Long:  `Generate an example perchd.yaml configuration file in ~/.perch/`,
	Run:   runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the resolved configuration",
	Long: `Validate the configuration after merging file, environment, and flags.

Exits non-zero when a required value is missing or out of range.`,
	Run: runConfigValidate,
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key [key-name]",
	Short: "Save API key to system keyring",
	Long: `Save an API key to the system keyring securely.

The key will be stored in your system's secure credential storage
(Keychain on macOS, Credential Manager on Windows, Secret Service on Linux).

Run 'perchd config list-keys' to see available key names.`,
	Args: cobra.ExactArgs(1),
	Run:  runConfigSetKey,
}

var configGetKeyCmd = &cobra.Command{
	Use:   "get-key [key-name]",
	Short: "Retrieve API key from system keyring",
	Long:  `Retrieve an API key from the system keyring (for verification).`,
	Args:  cobra.ExactArgs(1),
	Run:   runConfigGetKey,
}

var configDeleteKeyCmd = &cobra.Command{
	Use:   "delete-key [key-name]",
	Short: "Delete API key from system keyring",
	Long:  `Remove an API key from the system keyring.`,
	Args:  cobra.ExactArgs(1),
	Run:   runConfigDeleteKey,
}

var configListKeysCmd = &cobra.Command{
	Use:   "list-keys",
	Short: "List available secret keys",
	Long:  `List all available secret keys that can be stored in the keyring.`,
	Run:   runConfigListKeys,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration (merged from all sources).`,
	Run:   runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a non-sensitive configuration value in ~/.perch/perchd.yaml.

For sensitive values (API keys), use 'perchd config set-key' instead.

Examples:
  perchd config set quality.threshold 0.92
  perchd config set pipeline.batch_size 100
  perchd config set monitor.cooldown_seconds 1800
  perchd config set server.addr :9090
  perchd config set logging.level debug`,
	Args: cobra.ExactArgs(2),
	Run:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Long: `Get a configuration value from ~/.perch/perchd.yaml.

Examples:
  perchd config get quality.threshold
  perchd config get pipeline.batch_size
  perchd config get server.addr`,
	Args: cobra.ExactArgs(1),
	Run:  runConfigGet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configExampleCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetKeyCmd)
	configCmd.AddCommand(configGetKeyCmd)
	configCmd.AddCommand(configDeleteKeyCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configListKeysCmd)
}

func runConfigExample(cmd *cobra.Command, args []string) {
	fmt.Print(GenerateExampleConfig())
}

func runConfigInit(cmd *cobra.Command, args []string) {
	configDir := perchconfig.GetPerchDataDir()
	configPath := filepath.Join(configDir, "perchd.yaml")

	// Create directory if it doesn't exist
	if err := os.MkdirAll(configDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating config directory: %v\n", err)
		os.Exit(1)
	}

	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config file already exists: %s\n", configPath)
		fmt.Print("Overwrite? (y/N): ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	if err := os.WriteFile(configPath, []byte(GenerateExampleConfig()), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Config file created: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Save your backend API key:")
	fmt.Println("   perchd config set-key obs_api_key")
	fmt.Println("2. Set your organization ID:")
	fmt.Println("   perchd config set backend.org_id <org-id>")
	fmt.Println("3. Start the control plane:")
	fmt.Println("   perchd serve")
}

func runConfigValidate(cmd *cobra.Command, args []string) {
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Configuration valid")
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Printf("  Config file: %s\n", used)
	} else {
		fmt.Println("  Config file: (none, defaults + environment)")
	}
	fmt.Printf("  Backend: %s (org %s)\n", config.Backend.BaseURL, config.Backend.OrgID)
	fmt.Printf("  Quality threshold: %.2f\n", config.Quality.Threshold)
	fmt.Printf("  Server: %s\n", config.Server.Addr)
}

func runConfigSetKey(cmd *cobra.Command, args []string) {
	keyName := args[0]

	// Validate key name using extensible mapping
	availableKeys := ListAvailableSecretKeys()
	validKeys := make(map[string]bool)
	for _, k := range availableKeys {
		validKeys[k] = true
	}

	if !validKeys[keyName] {
		fmt.Fprintf(os.Stderr, "Invalid key name: %s\n", keyName)
		fmt.Fprintf(os.Stderr, "Available keys:\n")
		for _, k := range availableKeys {
			fmt.Fprintf(os.Stderr, "  - %s\n", k)
		}
		os.Exit(1)
	}

	// Read secret from stdin (without echo)
	fmt.Printf("Enter %s (input hidden): ", keyName)
	secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // New line after hidden input
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}

	secret := string(secretBytes)
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Secret cannot be empty\n")
		os.Exit(1)
	}

	// Save to keyring
	if err := keyring.Set(ServiceName, keyName, secret); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving to keyring: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Saved %s to system keyring\n", keyName)
}

func runConfigGetKey(cmd *cobra.Command, args []string) {
	keyName := args[0]

	secret, err := keyring.Get(ServiceName, keyName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error retrieving key: %v\n", err)
		fmt.Fprintf(os.Stderr, "Key not found in keyring. Set it with: perchd config set-key %s\n", keyName)
		os.Exit(1)
	}

	// Show partially masked
	masked := maskSecret(secret)
	fmt.Printf("%s: %s\n", keyName, masked)
}

func runConfigDeleteKey(cmd *cobra.Command, args []string) {
	keyName := args[0]

	if err := keyring.Delete(ServiceName, keyName); err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Deleted %s from system keyring\n", keyName)
}

func runConfigListKeys(cmd *cobra.Command, args []string) {
	keys := ListAvailableSecretKeys()
	fmt.Println("Available secret keys:")
	fmt.Println("======================")
	for _, key := range keys {
		fmt.Printf("  - %s\n", key)
	}
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  perchd config set-key <key-name>")
	fmt.Println("  perchd config get-key <key-name>")
	fmt.Println("  perchd config delete-key <key-name>")
}

func runConfigShow(cmd *cobra.Command, args []string) {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()

	fmt.Println("Backend:")
	fmt.Printf("  Base URL: %s\n", config.Backend.BaseURL)
	fmt.Printf("  Org ID: %s\n", config.Backend.OrgID)
	if config.Backend.APIKey != "" {
		fmt.Printf("  API Key: %s\n", maskSecret(config.Backend.APIKey))
	} else {
		fmt.Printf("  API Key: (not set)\n")
	}
	fmt.Printf("  Rate Limit: %d/min\n", config.Backend.RateLimitPerMinute)
	if config.Backend.FallbackTable != "" {
		fmt.Printf("  Fallback Table: %s\n", config.Backend.FallbackTable)
	}
	fmt.Println()

	fmt.Println("Quality:")
	fmt.Printf("  Threshold: %.2f\n", config.Quality.Threshold)
	fmt.Println()

	fmt.Println("Pipeline:")
	fmt.Printf("  Poll Interval: %ds\n", config.Pipeline.PollIntervalSeconds)
	fmt.Printf("  Batch Size: %d\n", config.Pipeline.BatchSize)
	fmt.Printf("  Channel Capacity: %d\n", config.Pipeline.TraceChanCapacity)
	if len(config.Pipeline.Sessions) > 0 {
		fmt.Printf("  Sessions: %s\n", strings.Join(config.Pipeline.Sessions, ", "))
	} else {
		fmt.Printf("  Sessions: (all)\n")
	}
	fmt.Println()

	fmt.Println("Monitor:")
	fmt.Printf("  Cooldown: %ds\n", config.Monitor.CooldownSeconds)
	fmt.Println()

	fmt.Println("Audit:")
	fmt.Printf("  Memory Size: %d\n", config.Audit.MemSize)
	if config.Audit.KVURL != "" {
		fmt.Printf("  KV URL: %s\n", config.Audit.KVURL)
	} else {
		fmt.Printf("  Path: %s\n", config.Audit.Path)
	}
	fmt.Println()

	fmt.Println("Learning:")
	fmt.Printf("  Driver: %s\n", config.Learning.Driver)
	fmt.Printf("  DSN: %s\n", config.Learning.DSN)
	fmt.Printf("  Archive Retention: %d days\n", config.Learning.ArchiveKeepDays)
	fmt.Printf("  Outcome Retention: %d days\n", config.Learning.OutcomeKeepDays)
	fmt.Println()

	fmt.Println("Server:")
	fmt.Printf("  Addr: %s\n", config.Server.Addr)
	fmt.Printf("  CORS Enabled: %t\n", config.Server.CORS.Enabled)
	fmt.Println()

	fmt.Println("Logging:")
	fmt.Printf("  Level: %s\n", config.Logging.Level)
	fmt.Printf("  Format: %s\n", config.Logging.Format)
}

func runConfigSet(cmd *cobra.Command, args []string) {
	key := args[0]
	value := args[1]

	// Get config file path
	configDir := perchconfig.GetPerchDataDir()
	configPath := filepath.Join(configDir, "perchd.yaml")

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Config file not found: %s\n", configPath)
		fmt.Fprintf(os.Stderr, "Run 'perchd config init' to create one\n")
		os.Exit(1)
	}

	// Validate key is not a secret (those should use set-key)
	for _, secretKey := range ListAvailableSecretKeys() {
		if key == secretKey {
			fmt.Fprintf(os.Stderr, "Error: '%s' is a secret key. Use 'perchd config set-key %s' instead.\n", key, key)
			os.Exit(1)
		}
	}

	// Load existing config with viper
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		os.Exit(1)
	}

	// Try to infer type from existing value or common patterns
	inferredValue := inferType(key, value, v)

	// Set the value
	v.Set(key, inferredValue)

	// Write back to file
	if err := v.WriteConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Set %s = %v\n", key, inferredValue)
}

func runConfigGet(cmd *cobra.Command, args []string) {
	key := args[0]

	// Get config file path
	configDir := perchconfig.GetPerchDataDir()
	configPath := filepath.Join(configDir, "perchd.yaml")

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Config file not found: %s\n", configPath)
		fmt.Fprintf(os.Stderr, "Run 'perchd config init' to create one\n")
		os.Exit(1)
	}

	// Load config with viper
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		os.Exit(1)
	}

	// Get the value
	if !v.IsSet(key) {
		fmt.Fprintf(os.Stderr, "Key not found: %s\n", key)
		os.Exit(1)
	}

	value := v.Get(key)
	fmt.Printf("%s: %v\n", key, value)
}

// inferType attempts to infer the type of a value based on the key name and
// existing config. YAML would otherwise turn 0.90 into a string and break
// unmarshal.
func inferType(key, value string, v *viper.Viper) interface{} {
	lower := strings.ToLower(key)

	if strings.Contains(lower, "threshold") {
		var floatVal float64
		if _, err := fmt.Sscanf(value, "%f", &floatVal); err == nil {
			return floatVal
		}
	}

	if strings.Contains(lower, "_seconds") || strings.Contains(lower, "_size") ||
		strings.Contains(lower, "_days") || strings.Contains(lower, "capacity") ||
		strings.Contains(lower, "rate_limit") || strings.Contains(lower, "max_age") {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}

	if strings.Contains(lower, "enabled") || strings.Contains(lower, "credentials") {
		if value == "true" {
			return true
		} else if value == "false" {
			return false
		}
	}

	// Check if key already exists - use its type
	if v.IsSet(key) {
		switch v.Get(key).(type) {
		case bool:
			if value == "true" {
				return true
			} else if value == "false" {
				return false
			}
		case int, int64:
			var intVal int
			if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
				return intVal
			}
		case float64:
			var floatVal float64
			if _, err := fmt.Sscanf(value, "%f", &floatVal); err == nil {
				return floatVal
			}
		}
	}

	// Default to string
	return value
}

// maskSecret masks a secret for display.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
