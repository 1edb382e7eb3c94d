// Package store holds the per-camera freshness records used by the scheduler.
package store
