// Package treelemetry is a single-tenant MQTT telemetry ingester.
//
// The daemon subscribes to a local broker, routes messages to SQLite
// destination tables through wildcard topic patterns, and batches
// writes for flash-friendly persistence. A cloud sensor client mirrors
// temperature and humidity readings from a hosted MQTT service into
// the same database.
//
// # Architecture
//
//	broker -> router -> store (batched SQLite)
//	cloud  -> sink   -> store
//	store  -> export  (in-season: aggregate JSON to S3)
//	store  -> archive (off-season: monthly DB rotation to S3)
//
// The app package wires these together; cmd/treelemetry is the entry
// point. Configuration is YAML plus environment overrides, with
// credentials loaded from a .env file.
package treelemetry
