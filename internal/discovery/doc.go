// Package discovery probes MCP server instances for their capabilities.
//
// An Engine keeps one probe loop per MCP instance. Each loop sleeps for the
// configured interval plus or minus a random jitter and then asks the
// Prober for a fresh capability snapshot. Successful snapshots replace the
// instance's capabilities in the registry as a whole; failures only move
// the instance through the discovery states:
//
//	Starting ──ok──▶ Discovered ──fail──▶ Stale ──N fails──▶ Unreachable
//	                     ▲                  │                    │
//	                     └──────────ok──────┴────────ok──────────┘
//
// TransportProber speaks MCP over the three supported transports: stdio
// through the container runtime's exec, Server-Sent Events and WebSocket
// through the instance's published host port.
package discovery
