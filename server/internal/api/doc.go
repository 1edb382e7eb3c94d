// Package api implements the viewer-facing HTTP front end.
//
// New returns a Handler that serves:
//
//	GET /           landing page embedding the live stream
//	GET /mjpeg      multipart/x-mixed-replace JPEG stream, one part per frame
//	GET /frame.jpg  current frame
//	GET /info       freshness record of every monitored camera, with hints
//	GET /stats      per-camera hit and fetch counters
//	GET /camera     302 to the upstream URL of the camera on air
//	GET /location   302 to a map search for that camera's location
//	GET /healthz    liveness
//
// Handler.Handle mounts /metrics and /ws from their own packages.
// JSON endpoints return 405 for methods other than GET and HEAD.
package api
