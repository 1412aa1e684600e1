// Package log provides the zerolog wrapper used throughout devbench:
// Init configures the global logger from Config, WithComponent and
// WithContainerID/WithExecID derive scoped child loggers, and Audit
// records redacted audit events alongside normal log lines.
package log
