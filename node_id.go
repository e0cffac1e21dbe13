package rabble

import "strconv"

// NodeID identifies a cluster participant. Name is the stable, operator-chosen
// identity; Gen distinguishes incarnations of the same name. A node that
// restarts comes back with a higher Gen, which invalidates any connection
// state (and any Pid) minted by the previous incarnation.
//
// NodeIDs are totally ordered by (Name, Gen). The ordering is load-bearing:
// when two nodes dial each other simultaneously, the lower-ordered side is
// the designated connection initiator (see membership.go).
type NodeID struct {
	Name string
	Gen  uint64
}

// Less reports whether n orders before other in the total NodeID order.
func (n NodeID) Less(other NodeID) bool {
	if n.Name != other.Name {
		return n.Name < other.Name
	}
	return n.Gen < other.Gen
}

// IsZero reports whether n is the zero NodeID.
func (n NodeID) IsZero() bool {
	return n.Name == "" && n.Gen == 0
}

func (n NodeID) String() string {
	return n.Name + "#" + strconv.FormatUint(n.Gen, 10)
}
