// Package scheduler runs the camera freshness loop.
//
// After a one-time startup probe that admits cameras at the configured
// resolution, each cycle classifies the stored records by how close they
// are to their Expires horizon:
//
//   - EXPIRED (past the horizon) cameras get one refresh fetch per cycle.
//     The new record is installed but never published.
//   - EXPIRING (within the threshold) cameras are polled every poll interval
//     in shuffled order until one of them serves a new ETag. That image is
//     published to the hub and the polling phase ends for the cycle.
//
// A cooldown separates cycles. Fetch failures never stop the loop; only
// context cancellation does.
package scheduler
