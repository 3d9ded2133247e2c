// Package canopy is a telemetry aggregation server for greenhouse
// controller devices. Devices connect over NATS or MQTT, register an
// engine, upload their configuration category by category and then
// stream sensor, actuator and health telemetry. Canopy persists the
// records in SQLite, keeps the latest sensor values in a tiered cache,
// buffers alarms until the minute-aligned logging pass, republishes
// events for downstream consumers and periodically sweeps aged records
// into an archive database.
//
// The cmd/canopy binary wires everything together through the service
// package; the individual concerns live in dispatch (transport),
// session (connection registry), ingest (validation and persistence
// pipeline), cache, store, archive and events (protocol bindings).
package canopy
