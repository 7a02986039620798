// Package registry defines the lifecycle contract of the agent's long-running components.
package registry

// Service is a background component owned by the service registry.
//
// Start launches the component's goroutines and returns once it is running.
// Stop cancels them and waits until they exit. Starting a running service and
// stopping a stopped one both return an error.
type Service interface {
	Start() error
	Stop() error
}
