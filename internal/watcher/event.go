package watcher

import "time"

// EventType is the kind of inbox change.
type EventType int

const (
	// EventAdded is emitted once a manifest has stopped changing.
	EventAdded EventType = iota
	// EventRemoved is emitted when a manifest is deleted or moved out.
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a settled change to a manifest file.
type Event struct {
	Type    EventType
	Path    string
	Size    int64
	ModTime time.Time
}
