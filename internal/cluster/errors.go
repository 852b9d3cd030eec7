package cluster

import (
	"errors"
	"fmt"
)

// ErrInvalidNodeID is returned for node ids below 1.
var ErrInvalidNodeID = errors.New("node id must be >= 1")

// DuplicateNodeError is returned by Join when the id is already registered.
type DuplicateNodeError struct {
	NodeID int
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("node %d already registered", e.NodeID)
}

// NodeNotFoundError is returned for operations on unknown node ids.
type NodeNotFoundError struct {
	NodeID int
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %d not found", e.NodeID)
}

// NodeNotLiveError is returned when an operation needs a node that is failed.
type NodeNotLiveError struct {
	NodeID int
	Status NodeStatus
}

func (e *NodeNotLiveError) Error() string {
	return fmt.Sprintf("node %d is %s", e.NodeID, e.Status)
}
