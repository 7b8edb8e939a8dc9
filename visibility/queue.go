package visibility

import (
	"container/heap"

	"go.viam.com/potree/octree"
)

// queueItem is a node waiting to be visited during one Update.
type queueItem struct {
	datasetIndex int
	weight       float64
	node         *octree.Node
	parent       *octree.Node
	seq          uint64
}

// priorityQueue pops the highest weight first. Equal weights pop in insertion order.
type priorityQueue struct {
	items []*queueItem
	seq   uint64
}

func (q *priorityQueue) Len() int { return len(q.items) }

func (q *priorityQueue) Less(i, j int) bool {
	if q.items[i].weight != q.items[j].weight {
		return q.items[i].weight > q.items[j].weight
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *priorityQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *priorityQueue) Push(x interface{}) {
	q.items = append(q.items, x.(*queueItem))
}

func (q *priorityQueue) Pop() interface{} {
	n := len(q.items)
	item := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	return item
}

func (q *priorityQueue) push(item *queueItem) {
	item.seq = q.seq
	q.seq++
	heap.Push(q, item)
}

// pop returns nil when the queue is empty.
func (q *priorityQueue) pop() *queueItem {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queueItem)
}
