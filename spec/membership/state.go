//go:generate stringer -type=State
package membership

type State uint64

const (
	// Process not running, default state
	Inactive State = iota
	// Join request in flight
	Joining
	// Member of an installed view
	Stable
	// Taking over after the coordinator was confirmed dead
	CoordinatorTransition
	// Leave request sent, waiting for the view without us
	Leaving
	// No longer a member; terminal
	Gone
)
