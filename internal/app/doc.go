// Package app composes the InfoMart marketplace into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── market/         # Products, listings, rating table, market events
//	│   └── session/        # Agent sessions, reservations, session events
//	├── events/             # Generic in-process event bus with replay
//	├── storage/            # Store interfaces and the in-memory implementation
//	├── services/           # Marketplace, budget, agent, payment, feeds, treasury
//	├── httpapi/            # HTTP handlers, paywall and SSE/websocket streams
//	├── system/             # Service lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/infomart/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► services/ ──► domain/, storage/, events/
//	      │
//	      └──► httpapi/ ──► internal/middleware, internal/httputil
//
// Services never import httpapi; handlers reach services only through the
// Application fields.
package app
