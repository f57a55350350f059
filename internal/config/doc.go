// Package config loads quartzdb's on-disk configuration: the data
// directory, plan-cache and fanout-budget defaults, and the paths to the
// declarative RLS-policy and capability files that internal/security
// consumes. A base TOML file supplies defaults; a viper overlay lets
// environment variables and flags override individual keys without a
// second file format. PolicyWatcher hot-reloads the RLS/capability files
// on write via fsnotify so an operator can edit policy without a restart.
package config
