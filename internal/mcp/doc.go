// Package mcp bridges tools from external MCP (Model Context Protocol)
// servers into the capability registry. Each configured server is
// started as a stdio subprocess through the mcp-go client; its tools are
// discovered with tools/list and proxied through tools/call.
//
// Bridged tools are registered as searchable capabilities, so the router
// only offers the ones semantically closest to the current step once
// the catalog grows past its search threshold.
package mcp
