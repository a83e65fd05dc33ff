/*
Package store is the typed data-access layer over the control-plane
database, the single source of truth for deployment state.

Two implementations exist: Postgres (production, sqlx over the pgx stdlib
driver) and Memory (tests and throwaway setups). Both enforce the state
machine from pkg/state inside every status mutation, so a racing loop gets
an IllegalTransitionError instead of corrupting the lifecycle. Cross-row
invariants ride in the same transaction as the status change:

  - entering a terminal state drops the active-deployment pointer
  - every status change recomputes the owning project's calculated status
  - creating a deployment snapshots the project env vars

IllegalTransitionError is benign for reconciliation loops: a concurrent
loop already advanced the deployment, so the caller just skips the row.
*/
package store
