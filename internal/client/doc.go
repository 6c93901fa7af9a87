// Package client holds the JSON wire types of the orchestrator HTTP API and a
// small client for it.
//
// The server in cmd/orchestrator encodes these types; the CLI subcommands
// decode them. Keeping both sides on one set of structs keeps the field
// names (ip, projectId, isUsed, assignedProject, ...) in one place.
//
// # Endpoints
//
//	GET  /{projectId}  → AllocateResponse, 400 text when no machine is idle
//	POST /destroy      DestroyRequest → DestroyResponse
//	GET  /status       → StatusResponse
//
// Errors from non-2xx responses are *StatusError and carry the status code
// and the plain-text body.
package client
