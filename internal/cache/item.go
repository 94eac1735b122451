// Package cache holds a node's data items: its fixed originals and a bounded replica pool.
package cache

import "fmt"

// Status is the usability of a held item.
type Status uint8

const (
	StatusUnknown Status = 0
	StatusFree    Status = 1
	StatusStored  Status = 2
	StatusPending Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusStored:
		return "stored"
	case StatusPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Provenance records how a node came to hold an item.
type Provenance uint8

const (
	Original Provenance = iota
	Replica
)

func (p Provenance) String() string {
	if p == Replica {
		return "replica"
	}
	return "original"
}

// Item is a data item. Only its size is tracked; payload bytes are never materialized.
type Item struct {
	ID         uint16
	Size       uint32
	Status     Status
	Provenance Provenance
}

// NewOriginal returns a stored item owned by this node.
func NewOriginal(id uint16, size uint32) Item {
	return Item{ID: id, Size: size, Status: StatusStored, Provenance: Original}
}

// NewReplica returns a stored copy of another node's item.
func NewReplica(id uint16, size uint32) Item {
	return Item{ID: id, Size: size, Status: StatusStored, Provenance: Replica}
}

// Stored reports whether the item can answer a lookup.
func (i Item) Stored() bool {
	return i.Status == StatusStored && i.Size > 0
}

// Partition returns the originals owned by node nodeIndex. Item ids are 1-based:
// node k owns ids k*per+1 through (k+1)*per, where per = totalItems/totalNodes.
func Partition(nodeIndex, totalNodes, totalItems int, size uint32) ([]Item, error) {
	if totalNodes <= 0 {
		return nil, fmt.Errorf("total nodes must be positive, got %d", totalNodes)
	}
	if totalItems <= 0 || totalItems > 0xffff {
		return nil, fmt.Errorf("total items out of range: %d", totalItems)
	}
	if totalItems%totalNodes != 0 {
		return nil, fmt.Errorf("total items %d not divisible by total nodes %d", totalItems, totalNodes)
	}
	if nodeIndex < 0 || nodeIndex >= totalNodes {
		return nil, fmt.Errorf("node index %d out of range [0,%d)", nodeIndex, totalNodes)
	}
	if size == 0 {
		return nil, fmt.Errorf("item size must be positive")
	}

	per := totalItems / totalNodes
	items := make([]Item, 0, per)
	first := nodeIndex*per + 1
	for id := first; id < first+per; id++ {
		items = append(items, NewOriginal(uint16(id), size))
	}
	return items, nil
}
