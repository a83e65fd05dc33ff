// Package log wraps zerolog with a process-wide logger and helpers for the
// component/project/deployment fields used across the control plane.
package log
