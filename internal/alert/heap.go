package alert

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

type entry struct {
	item  *domain.AlertItem
	index int
}

// pendingHeap orders pending alerts by risk score descending, then by event
// timestamp ascending, then by alert ID so the order is total.
type pendingHeap []*entry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	return higherPriority(h[i].item, h[j].item)
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func higherPriority(a, b *domain.AlertItem) bool {
	if a.Result.RiskScore != b.Result.RiskScore {
		return a.Result.RiskScore > b.Result.RiskScore
	}
	if !a.Result.EventTimestamp.Equal(b.Result.EventTimestamp) {
		return a.Result.EventTimestamp.Before(b.Result.EventTimestamp)
	}
	return a.ID < b.ID
}
