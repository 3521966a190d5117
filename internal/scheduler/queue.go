package scheduler

// readyQueue orders runnable jobs by priority descending, submission order
// ascending. Cancelled jobs are removed lazily: they stay in the heap and are
// skipped when popped.
type readyQueue []*job

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*job)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// delayQueue holds backoff-delayed retries ordered by the time they become
// visible to the pool.
type delayQueue []*job

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool { return q[i].readyAt.Before(q[j].readyAt) }

func (q delayQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *delayQueue) Push(x any) { *q = append(*q, x.(*job)) }

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q delayQueue) peek() *job {
	return q[0]
}
