// Package mcp is a small MCP (Model Context Protocol) client. Cartwright
// uses it to reach the grocery catalog, which publishes product search
// as an MCP tool.
//
// Messages are JSON-RPC 2.0 and travel over one of two transports:
// streamable HTTP (POST, with either a JSON or an event-stream reply) or
// a stdio subprocess speaking newline-delimited JSON. Only the client
// side of the protocol is implemented.
package mcp
