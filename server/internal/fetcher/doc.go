// Package fetcher performs validated camera snapshot fetches.
//
// Client.Fetch issues one GET per call and classifies the response:
//   - non-200 status           → ErrStatus (wraps ErrProtocol), logged at info
//   - non-JPEG content type    → ErrContentType (wraps ErrProtocol), logged at warn
//   - empty response body      → ErrProtocol, logged at info
//   - offline placeholder ETag → ErrOffline, logged at info
//   - missing/malformed header → ErrHeaderParse, logged at error
//   - dial/timeout/read errors → ErrTransport, logged at info
//
// A successful Result carries the body, the unquoted ETag fingerprint and the
// Date, Last-Modified and Expires timestamps. Failures never escape as Go
// errors or panics: they are returned in Result.Err so the scheduler can treat
// every class the same way ("no update this attempt").
package fetcher
