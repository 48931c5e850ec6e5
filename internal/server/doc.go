// Package server exposes foreman sessions over HTTP.
//
// # Endpoints
//
//   - GET /healthz - liveness
//   - GET /metrics - Prometheus metrics
//   - GET / - the dashboard, when assets are configured
//   - GET /ws - websocket event stream (?session= filters, ?since= replays)
//   - GET, POST /api/sessions - list (?project=) and create sessions
//   - GET /api/sessions/{id} - session with its plan and decisions
//   - GET /api/sessions/{id}/invocation - the last agent invocation record
//   - POST /api/sessions/{id}/pause, /resume, /enqueue, /run
//   - GET /api/sessions/{id}/decisions (?pending=true)
//   - POST /api/sessions/{id}/decisions/{decisionID} - answer a decision
//   - GET, PUT /api/projects/{project}/queue - inspect and reorder a queue
//
// # Authentication
//
// When server.token_hash is configured every endpoint except /healthz,
// /metrics and the dashboard requires "Authorization: Bearer <token>"; websocket clients may
// pass ?token= instead. Tokens are checked against an argon2id hash.
// Clients are rate limited per IP and blocked with exponential backoff
// after repeated authentication failures.
package server
