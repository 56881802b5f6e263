// Package app composes the treasury services into a running application.
//
// The layout follows a composition-over-business-logic split:
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data plus invariants)
//	│   ├── account/        # Logical treasury accounts
//	│   ├── ledger/         # Transactions and shape rules
//	│   ├── allocation/     # Percentage-split rules and results
//	│   ├── reconciliation/ # Discrepancy records and classification
//	│   └── audit/          # Append-only change trail
//	├── storage/            # Store interfaces, memory and postgres backends
//	├── services/           # Business logic per domain
//	├── httpapi/            # REST handlers and routing
//	├── events/             # Kafka event publishing
//	├── metrics/            # Prometheus collectors
//	└── system/             # Lifecycle manager for background services
//
// Services hold the business rules; this package only wires them to storage,
// events, and the scheduler, and manages start/stop ordering.
package app
