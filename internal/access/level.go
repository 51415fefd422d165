// Package access resolves the access level a user has on an artifact and on
// every node of a collection tree.
package access

type Level string
type Action string

const (
	NoAccess  Level = "NoAccess"
	ReadOnly  Level = "ReadOnly"
	ReadWrite Level = "ReadWrite"
	Coowner   Level = "Coowner"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionShare Action = "share"
)

func (l Level) rank() int {
	switch l {
	case ReadOnly:
		return 1
	case ReadWrite:
		return 2
	case Coowner:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether l grants everything other grants.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// Max returns the highest of levels, or NoAccess.
func Max(levels ...Level) Level {
	best := NoAccess
	for _, l := range levels {
		if l.rank() > best.rank() {
			best = l
		}
	}
	return best
}

func Can(level Level, action Action) bool {
	switch action {
	case ActionRead:
		return level.AtLeast(ReadOnly)
	case ActionWrite:
		return level.AtLeast(ReadWrite)
	case ActionShare:
		return level.AtLeast(Coowner)
	default:
		return false
	}
}

// Normalize maps stored strings onto a Level. Unknown values grant nothing.
func Normalize(level string) Level {
	switch Level(level) {
	case NoAccess, ReadOnly, ReadWrite, Coowner:
		return Level(level)
	default:
		return NoAccess
	}
}
