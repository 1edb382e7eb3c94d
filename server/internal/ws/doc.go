// Package ws streams broadcast notifications to WebSocket clients.
//
// Every connection gets its own hub subscription. Each publish the
// subscription observes is sent as one JSON message:
//
//	{
//	  "event": "frame",
//	  "data":  {"version": 12, "camera": 7, "bytes": 181233, "url": "...", ...}
//	}
//
// Publishes are coalesced per client exactly as in the hub, so a slow reader
// sees the latest frame rather than a backlog. A client whose send buffer
// still fills up is disconnected. Stream.Run closes every connection on
// shutdown. The server mounts the handler at /ws.
package ws
