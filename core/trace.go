package core

// The forwarding trace is a small block prepended to a Prepare's data field:
// a three-byte magic, a hop counter and the list of connector addresses the
// packet has visited. Connectors that see their own address in the list, or
// a counter at the hop limit, refuse the packet as a loop. End systems that
// do not speak the format see it stripped on local delivery.

var traceMagic = [3]byte{'i', 'l', 't'}

// ForwardTrace is the decoded trace block.
type ForwardTrace struct {
	Hops    uint8
	Visited []Address
}

// parseTrace splits data into its trace block and the remaining payload.
// Data without a leading trace block yields an empty trace.
func parseTrace(data []byte) (ForwardTrace, []byte) {
	if len(data) < 4 || data[0] != traceMagic[0] || data[1] != traceMagic[1] || data[2] != traceMagic[2] {
		return ForwardTrace{}, data
	}
	hops := data[3]
	count, pos, derr := readVarUint(data, 4)
	if derr != nil || count > 255 {
		return ForwardTrace{}, data
	}
	tr := ForwardTrace{Hops: hops, Visited: make([]Address, 0, count)}
	for i := uint64(0); i < count; i++ {
		addr, next, derr := readBytes(data, pos, 1024)
		if derr != nil {
			return ForwardTrace{}, data
		}
		tr.Visited = append(tr.Visited, Address(addr))
		pos = next
	}
	return tr, data[pos:]
}

func (tr ForwardTrace) contains(addr Address) bool {
	for _, v := range tr.Visited {
		if v == addr {
			return true
		}
	}
	return false
}

// extended returns a copy of the trace with addr appended and the hop
// counter incremented.
func (tr ForwardTrace) extended(addr Address) ForwardTrace {
	visited := make([]Address, 0, len(tr.Visited)+1)
	visited = append(visited, tr.Visited...)
	visited = append(visited, addr)
	hops := tr.Hops
	if hops < 255 {
		hops++
	}
	return ForwardTrace{Hops: hops, Visited: visited}
}

// encode renders the trace block followed by rest.
func (tr ForwardTrace) encode(rest []byte) []byte {
	out := make([]byte, 0, 8+len(rest))
	out = append(out, traceMagic[0], traceMagic[1], traceMagic[2], tr.Hops)
	out = appendVarUint(out, uint64(len(tr.Visited)))
	for _, v := range tr.Visited {
		out = appendBytes(out, []byte(v))
	}
	return append(out, rest...)
}
