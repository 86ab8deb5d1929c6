// Package firewatch is the gateway core of a forest fire wireless sensor
// network. Sensor nodes publish temperature, humidity, smoke, CO, flame and
// battery readings over MQTT; the gateway classifies each node, keeps the
// latest state of every node, persists readings, and pushes status changes to
// dashboards and alert channels.
//
// # Data Flow
//
//	MQTT broker ─► subscription.Manager ─► ingest.Pipeline ─► registry.Registry
//	                                              │
//	        ┌──────────────┬──────────────┬──────┴───────┬───────────────┐
//	        ▼              ▼              ▼              ▼               ▼
//	   store.Writer   fanout.Hub    event/alert     output/kafka    metrics
//	 (SQLite, NATS)  (WebSocket)   topics (MQTT)   (alert stream)  (Prometheus)
//
// A reading passes through the pipeline in order per node. Its side effects are
// queued on worker pools so a slow store, observer or broker never stalls
// ingestion.
//
// # Packages
//
//   - telemetry: readings, node configuration, status, events, wire decoding and topics
//   - classifier: risk scoring and status derivation from readings and staleness
//   - registry: the in-memory node table with per-node sequence guards
//   - subscription: broker session management, reconnection and presence
//   - transport/mqtt: the Paho MQTT transport
//   - ingest: the ingestion pipeline, staleness sweeper and config writes
//   - fanout: observer subscriptions and non-blocking delivery
//   - store, store/sqlite, store/natskv: persistence backends and the async writer
//   - output/kafka: secondary alert channel
//   - gateway/http, gateway/websocket: operator API and live observer sessions
//   - config: layered JSON/YAML configuration with environment overrides
//   - errors, health, metric, natsclient, pkg/...: shared infrastructure
//
// The binary lives in cmd/firewatch.
package firewatch
