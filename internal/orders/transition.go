package orders

// Role is the caller's relationship to an order.
type Role int

const (
	RoleNone Role = iota
	RoleClient
	RoleProvider
)

// Action is a requested lifecycle change.
type Action int

const (
	ActionAccept Action = iota
	ActionAdvance
	ActionCancel
)

var happyPath = map[Status]Status{
	StatusAccepted: StatusEnRoute,
	StatusEnRoute:  StatusArrived,
	StatusArrived:  StatusDone,
}

// roleOf resolves the actor's role on order.
func roleOf(order Order, actorID string) Role {
	switch {
	case actorID == "":
		return RoleNone
	case actorID == order.ProviderID:
		return RoleProvider
	case actorID == order.ClientID:
		return RoleClient
	default:
		return RoleNone
	}
}

// nextStatus decides the target status for action taken by role from current.
// next is only consulted for ActionAdvance.
func nextStatus(current Status, action Action, role Role, next Status) (Status, error) {
	if role == RoleNone {
		if action == ActionCancel {
			return "", ErrForbidden
		}
		return "", ErrInvalidTransition
	}
	if current.Terminal() {
		return "", ErrInvalidTransition
	}

	switch action {
	case ActionAccept:
		if role != RoleProvider || current != StatusRequested {
			return "", ErrInvalidTransition
		}
		return StatusAccepted, nil
	case ActionAdvance:
		if role != RoleProvider {
			return "", ErrInvalidTransition
		}
		successor, ok := happyPath[current]
		if !ok || successor != next {
			return "", ErrInvalidTransition
		}
		return successor, nil
	case ActionCancel:
		if role == RoleClient && current != StatusRequested {
			return "", ErrInvalidTransition
		}
		return StatusCancelled, nil
	default:
		return "", ErrInvalidTransition
	}
}

// ValidPath reports whether statuses is a prefix of a legal lifecycle starting at requested.
func ValidPath(statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	if statuses[0] != StatusRequested {
		return false
	}
	for i := 1; i < len(statuses); i++ {
		previous, current := statuses[i-1], statuses[i]
		if previous.Terminal() {
			return false
		}
		switch {
		case current == StatusCancelled:
		case previous == StatusRequested && current == StatusAccepted:
		case happyPath[previous] == current:
		default:
			return false
		}
	}
	return true
}
