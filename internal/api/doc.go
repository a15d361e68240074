// Package api provides the local HTTP REST API and WebSocket server for
// Reef Bridge Core.
//
// It exposes the latest controller snapshot, poller diagnostics, and the
// command surface (output modes, feed cycles, dosing maintenance) to local
// dashboards and tooling. Real-time snapshot updates are pushed over a
// WebSocket hub.
//
// The server follows the same lifecycle pattern as the other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api
