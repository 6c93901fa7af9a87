// Package cloud defines the collaborators the orchestrator needs from the
// cloud provider: a managed instance group that can be listed, resized and
// shrunk one instance at a time, and a compute-description API that resolves
// instance IDs to addresses and lifecycle state.
package cloud

import (
	"context"
	"errors"
	"fmt"
)

// StateRunning is the lifecycle state of an instance that can serve work.
const StateRunning = "running"

// ErrGroupNotFound is returned when the managed group does not exist.
var ErrGroupNotFound = errors.New("instance group not found")

// AddressKind selects which of an instance's addresses identifies it.
type AddressKind string

const (
	AddressPublic  AddressKind = "public"
	AddressPrivate AddressKind = "private"
)

// ParseAddressKind validates a configured address kind.
func ParseAddressKind(s string) (AddressKind, error) {
	switch AddressKind(s) {
	case AddressPublic, AddressPrivate:
		return AddressKind(s), nil
	default:
		return "", fmt.Errorf("unknown address kind %q (want %q or %q)", s, AddressPublic, AddressPrivate)
	}
}

// Instance is a described compute instance.
type Instance struct {
	ID             string
	State          string
	PublicAddress  string
	PrivateAddress string
}

// Address returns the instance address of the given kind, or "" when the
// instance has none.
func (i Instance) Address(kind AddressKind) string {
	if kind == AddressPrivate {
		return i.PrivateAddress
	}
	return i.PublicAddress
}

// Running reports whether the instance is in the running state.
func (i Instance) Running() bool {
	return i.State == StateRunning
}

// InstanceGroup is the control plane of a managed instance group.
type InstanceGroup interface {
	// ListInstanceIDs returns the IDs of instances that are currently
	// members of the group. An empty slice means the group is empty.
	ListInstanceIDs(ctx context.Context) ([]string, error)

	// SetDesiredCapacity asks the group to converge to n instances.
	SetDesiredCapacity(ctx context.Context, n int) error

	// TerminateInstance terminates one member of the group. When
	// decrement is true the desired capacity drops by one so the group
	// does not replace it.
	TerminateInstance(ctx context.Context, instanceID string, decrement bool) error
}

// Describer resolves instance IDs to instance descriptions.
type Describer interface {
	DescribeInstances(ctx context.Context, ids []string) ([]Instance, error)
}
