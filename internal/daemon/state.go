package daemon

// Tri is a cached yes/no answer that may not have been computed yet.
type Tri int8

const (
	Unknown Tri = iota
	No
	Yes
)

func (t Tri) String() string {
	switch t {
	case No:
		return "no"
	case Yes:
		return "yes"
	default:
		return "unknown"
	}
}

func triOf(b bool) Tri {
	if b {
		return Yes
	}
	return No
}

// State is everything the supervisor has learned about the daemon. It is owned by
// one Supervisor and replaced as a whole when the daemon's ports change.
type State struct {
	Accessible Tri
	RepoExists Tri
	Running    Tri

	// APIPort is meaningful only when APIPortKnown; -1 means unreadable.
	APIPort      int
	APIPortKnown bool

	// PortsReconfigured is sticky: once set it survives resets.
	PortsReconfigured bool
}
