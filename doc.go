// Package audit forwards identity platform activity events (logins, token
// exchanges, administrative changes) to an external collector without ever
// blocking or failing the caller, and without losing events to short
// collector outages.
//
// Core Concepts:
//
//   - Event and AdminEvent: the two kinds of notification the platform raises.
//     Each is stamped with an ID and frozen into an IdentifiedEvent or
//     IdentifiedAdminEvent before it is queued.
//
//   - ID: a 64-bit, time-ordered identifier produced by IDGenerator from the
//     clock, a datacenter id, a node id and a per-millisecond sequence. IDs are
//     unique per node and let collectors drop duplicates of redelivered events.
//
//   - Sink: where events go. HTTPSink posts to a collector URL, KafkaSink
//     publishes to one topic per event kind, SQLSink stores rows keyed by ID.
//     A Sink that connects in the background implements AsyncSink.
//
//   - Emitter: the delivery pipeline in front of a Sink. It is built once with
//     NewEmitter and functional EmitterOptions; DefaultEmitterConfig lists the
//     defaults.
//
// Key Features:
//
//  1. Bounded backlog:
//     Events that cannot be sent wait in an EvictingQueue, one per event kind.
//     The queue never rejects an insert: when it is full the oldest event is
//     evicted, logged, counted and optionally written to a drop journal.
//
//  2. Ordered retries:
//     Every new event first retries the backlog, oldest first, then is sent
//     itself. The first failed send stops the pass and leaves that event at
//     the head, so ordering within a kind is preserved and each call does work
//     bounded by the backlog size. Events that cannot be encoded are dropped.
//
//  3. Readiness:
//     With an AsyncSink, such as KafkaSink, the emitter moves through
//     ReadinessState values initialized, starting, pending and working. Until
//     the sink is ready events are only buffered; the full backlog is flushed
//     in order before the first direct send.
//
//  4. Encodings:
//     FormatFlatbuffers produces the collector's binary schema (wrapped in a
//     base64 Container for HTTP, base64 encoded for Kafka); FormatJSON sends
//     plain JSON.
//
//  5. Enrichment:
//     A UserLookup fills in usernames for user ids and, for admin events on a
//     single user resource, the target user's id and username.
//
//  6. Observability:
//     EmitterMetrics with a Prometheus implementation, diagnostics through a
//     *log.Logger (optionally a rotated file), and the trace span of the
//     calling context forwarded as a traceparent header.
//
// Configuration can come from options, from LoadConfigFromEnv, or from a YAML
// file through LoadConfigFile.
package audit
