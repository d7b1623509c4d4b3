// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/ws with their connection type and identity and
// receive event-derived pushes filtered to what they subscribed to.
package websocket
