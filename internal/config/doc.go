// Package config defines configuration structures for the swath CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (SWATH_ prefix, .env files honored)
//   - YAML configuration file
//
// Precedence is flags over environment over file over defaults; Merge
// implements each layering step.
//
// # Structure
//
//	type Config struct {
//	    APIKey          string
//	    BaseURL         string
//	    AssetTypes      []string
//	    Destination     string
//	    Overwrite       bool
//	    NoDelay         bool
//	    MinPollInterval time.Duration
//	    Queues          QueueConfig
//	    Rates           RateConfig
//	    Retry           RetryConfig
//	    LogLevel        string
//	}
package config
