// Package snowflake generates the authoritative, time-ordered message ids the
// gateway stamps on every accepted send.
package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

var ErrNodeRange = errors.New("node number must be between 0 and 1023")

// ID is a 63-bit id: milliseconds since epoch, node, per-millisecond step.
type ID int64

// String renders the id in the fixed-width decimal form used on the wire, so
// lexical order of ids matches numeric order.
func (id ID) String() string {
	s := strconv.FormatInt(int64(id), 10)
	const width = 19
	if len(s) >= width {
		return s
	}
	pad := make([]byte, width-len(s))
	for i := range pad {
		pad[i] = '0'
	}
	return string(pad) + s
}

// Time returns the creation time encoded in the id.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id)>>timeShift + epoch)
}

func (id ID) Node() int64 {
	return int64(id) >> nodeShift & nodeMax
}

func Parse(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(v), nil
}

type Node struct {
	mu   sync.Mutex
	time int64
	node int64
	step int64
	now  func() int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrNodeRange
	}
	return &Node{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (n *Node) Generate() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()

	if now < n.time {
		// Clock moved backwards; keep ids monotonic.
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.time {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}

	n.time = now

	return ID((now-epoch)<<timeShift | n.node<<nodeShift | n.step)
}
