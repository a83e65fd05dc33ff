// Package backend defines the runtime abstraction the reconciliation
// controller drives. Concrete implementations live in the kubernetes and
// local subpackages; the controller never knows which one it holds.
package backend
