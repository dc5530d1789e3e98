package overlay

type direction int

const (
	directionIncoming direction = iota
	directionOutgoing
)

func (d direction) String() string {
	if d == directionOutgoing {
		return "Outgoing"
	}
	return "Incoming"
}
