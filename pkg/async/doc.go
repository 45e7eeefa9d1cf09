// Package async runs background work with panic recovery and bounded
// concurrency.
//
// SafeGo starts a supervised goroutine whose error and panic are logged
// instead of crashing the process. Batch fans a slice out over a fixed
// number of workers and collects per-item errors; the access review
// (rbac.Manager.WhoCan) uses it to check every profile against one
// permission without opening more store connections than the pool allows.
package async
