package listing

// Status represents the lifecycle of a listing.
type Status string

const (
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusSold      Status = "sold"
	StatusCancelled Status = "cancelled"
)

// transitions is the complete table. Anything not listed here is invalid;
// a stale or replayed instruction can never corrupt status by falling through.
var transitions = map[Status][]Status{
	StatusActive:  {StatusPending, StatusCancelled},
	StatusPending: {StatusSold, StatusActive},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusSold, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Open reports whether the listing still occupies its (marketplace, asset) slot.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusPending
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
