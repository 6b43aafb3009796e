package models

import "fmt"

// LifecycleCode is the cloud provider's numeric instance state.
// Shared between the cloud, render and reconciler layers.
type LifecycleCode int

const (
	// CodeUnknown marks an instance the status source did not report.
	CodeUnknown      LifecycleCode = -1
	CodePending      LifecycleCode = 0
	CodeRunning      LifecycleCode = 16
	CodeShuttingDown LifecycleCode = 32
	CodeTerminated   LifecycleCode = 48
	CodeStopping     LifecycleCode = 64
	CodeStopped      LifecycleCode = 80
)

// Transitioning reports whether the instance is between running and stopped.
func (c LifecycleCode) Transitioning() bool {
	return c == CodePending || c == CodeStopping
}

func (c LifecycleCode) String() string {
	switch c {
	case CodePending:
		return "pending"
	case CodeRunning:
		return "running"
	case CodeShuttingDown:
		return "shutting-down"
	case CodeTerminated:
		return "terminated"
	case CodeStopping:
		return "stopping"
	case CodeStopped:
		return "stopped"
	case CodeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Statuses maps an instance id to its lifecycle code.
type Statuses map[string]LifecycleCode

// Lookup returns the code for id, or CodeUnknown when absent.
func (s Statuses) Lookup(id string) LifecycleCode {
	if code, ok := s[id]; ok {
		return code
	}
	return CodeUnknown
}
