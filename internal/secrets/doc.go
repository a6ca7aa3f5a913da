// Package secrets redacts credentials from text before it is persisted.
//
// Task notes, collaborator error messages and research summaries all pass
// through a Scrubber on their way into the ledger. Detection uses the
// Gitleaks default rule set; a project .gitleaks.toml or a user allowlist
// can exempt known-safe patterns.
package secrets
