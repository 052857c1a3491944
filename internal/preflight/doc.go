// Package preflight provides readiness checks for the external programs and
// working directories ggmlforge depends on.
//
// The server runs RunAll at startup and logs each failure; the status
// endpoint and the CLI "ggmlforge status" command report CheckSystemDeps so
// a missing tool is visible before a request fails on it.
package preflight
