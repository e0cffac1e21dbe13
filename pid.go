package rabble

// Pid is the cluster-wide address of an actor: a name unique on its owning
// node plus the NodeID of that node. A Pid is immutable once assigned and
// valid only for the incarnation of the node that minted it — after a node
// restarts (new Gen), Pids from the old incarnation resolve to nothing.
//
// Senders never dial connections themselves; they hand a Pid to Send and the
// router decides whether delivery is local or remote.
type Pid struct {
	Name string
	Node NodeID
}

func (p Pid) String() string {
	return p.Name + "@" + p.Node.String()
}
