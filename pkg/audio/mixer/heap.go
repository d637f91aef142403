package mixer

// sourceHeap implements [container/heap.Interface] as a min-heap of sources
// that have not started yet, ordered by start frame (ascending) with FIFO
// tie-breaking on seq.
type sourceHeap []*source

func (h sourceHeap) Len() int { return len(h) }

// Less reports whether element i starts before element j. Sources scheduled
// for the same frame start in insertion order.
func (h sourceHeap) Less(i, j int) bool {
	if h[i].startFrame != h[j].startFrame {
		return h[i].startFrame < h[j].startFrame
	}
	return h[i].seq < h[j].seq
}

func (h sourceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *sourceHeap) Push(x any) {
	s := x.(*source)
	s.index = len(*h)
	*h = append(*h, s)
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}
