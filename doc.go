// Package appmcp embeds a Model Context Protocol (MCP) debug server inside
// a Go application. It exposes runtime introspection, preference stores,
// SQLite databases, and files as MCP tools and resources, with change
// subscriptions backed by filesystem watches and content polling. Transport
// and protocol handling are delegated to github.com/MegaGrindStone/go-mcp;
// this package provides the tool/resource registries and the subscription
// engine that plug into it.
package appmcp
