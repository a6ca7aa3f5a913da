// Package mcp exposes the metapod command surface as MCP tools.
//
// Tools call the coordinator in-process. Report text and task notes are
// scrubbed for secrets before they are returned to clients.
package mcp
