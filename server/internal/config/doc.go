// Package config loads the panopticon configuration file (config.yaml) and
// the traffic camera catalog.
//
// Config fields:
//   - Server.HTTPPort            : viewer HTTP port (default 1292)
//   - Server.Placeholder         : optional JPEG published before the first change
//   - Monitor.CamerasCSV         : CSV export with "Camera ID", "Screenshot Address", "Location"
//   - Monitor.Cameras            : inline catalog entries (id, url, location)
//   - Monitor.Resolution         : required image height (default 1080)
//   - Monitor.PollInterval       : expiring-bucket poll interval (default 1s)
//   - Monitor.Cooldown           : pause between scheduler cycles (default 3s)
//   - Monitor.ExpiringThreshold  : freshness lookahead (default 5s)
//   - Log.Level, Log.StatsEvery  : logger level and periodic stats line
//
// Load(path) applies defaults before unmarshalling, then validates.
// Config.Catalog merges the CSV and inline cameras into an id-keyed map.
//
// Watch(ctx, path, onChange) uses fsnotify to re-load the file on write and
// hands the new Config to onChange. The camera catalog is fixed at startup;
// callers use reloads for runtime knobs such as the log level.
package config
