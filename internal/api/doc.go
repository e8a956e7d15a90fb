// Package api is the HTTP bridge in front of a running engine.
//
// Every route maps onto one engine operation and returns JSON. Engine
// errors become HTTP statuses by type: validation 400, busy 409, reject
// and partial failure 502, link faults 503, timeouts 504. Batch routes
// (find-me, RSSI) answer with the per-device outcome even when the batch
// failed as a whole.
//
// GET /events upgrades to a WebSocket and streams every engine event as a
// JSON object. Each subscriber gets a UUID, announced in the first message,
// and may restrict the stream with ?kinds=heartbeat,hub_ota. Slow
// subscribers lose events rather than stall the engine.
package api
