// Package cli provides the hanzirecall command tree. It handles flag
// parsing, configuration loading through viper and the subcommands that
// drive the pipeline from a terminal.
package cli
