package apiclient

import "sync"

// retryItem is one short page awaiting a re-fetch: the endpoint and the
// exact parameters of the page that came up short, plus how many re-fetches
// it has consumed.
type retryItem struct {
	endpoint string
	params   Params
	expected int
	attempt  int
}

// retryQueue holds partial pages in arrival order until the pager's
// post-pass drains them.
type retryQueue struct {
	mu    sync.Mutex
	items []retryItem
}

func (q *retryQueue) push(it retryItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
}

func (q *retryQueue) pop() (retryItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return retryItem{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *retryQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
