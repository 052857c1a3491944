// Package notifications delivers conversion outcomes via ntfy.
//
// The default implementation publishes to the topic configured in
// config.toml and degrades to a no-op when no topic is set. Completion and
// failure messages can be toggled independently.
package notifications
