// Package phase defines the workflow phases a conversation moves through
// and validates transitions against a directed graph.
package phase
