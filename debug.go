package tarn

import (
	"fmt"

	"github.com/nikandfor/hacked/low"
	"tlog.app/go/loc"
)

// DumpTree renders the tree content for debugging. No latches are
// acquired, do not call it on a live store.
func DumpTree(s *Store) string {
	if tl.V("dump") != nil {
		tl.Printf("dump tree  from %v", loc.Caller(1))
	}

	var b low.Buf

	dumpNode(&b, s, s.root, 0)

	return string(b)
}

func dumpNode(b *low.Buf, s *Store, n *Node, d int) {
	const pad = "                                                              "

	tp := 'B'
	if n.isLeaf() {
		tp = 'D'
	}

	fmt.Fprintf(b, "%v%4x: %c  nkeys %4d  garbage %3x  seg %3x %3x  vec %3x %3x\n",
		pad[:d*4], n.id, tp, n.numKeys(), n.garbage, n.leftSegTail, n.rightSegTail, n.searchVecStart, n.searchVecEnd)

	if n.isLeaf() {
		for pos := 0; pos <= n.highestLeafPos(); pos += 2 {
			k := n.retrieveLeafKey(pos)
			v := n.retrieveLeafValue(pos)

			fmt.Fprintf(b, "%v    %-20.10x -> %-12.6x  | %-22.20q -> %-.30q\n", pad[:d*4], k, v, k, v)
		}

		return
	}

	for i := 0; i <= n.numKeys(); i++ {
		if i != 0 {
			k := n.retrieveInternalKey(i<<1 - 2)
			fmt.Fprintf(b, "%v  key %-20.10x | %-22.20q\n", pad[:d*4], k, k)
		}

		childID := n.retrieveChildRefIDFromIndex(i)

		child := newNode(s.pageSize(), false)

		err := child.read(s, childID)
		if err != nil {
			fmt.Fprintf(b, "%v  child %4x: %v\n", pad[:d*4], childID, err)
			continue
		}

		dumpNode(b, s, child, d+1)
	}
}
