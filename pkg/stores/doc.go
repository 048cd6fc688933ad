// Package stores provides the persistence layer of the deployment
// controller. SQLiteStore keeps transactions, the append-only task run
// history, node inventory and liveness, cluster attributes, deployment
// snapshots and notifications in a single SQLite database with embedded
// migrations.
package stores
