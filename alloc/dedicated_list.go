package alloc

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/stockpile/internal/utils"
	"github.com/vkngwrapper/stockpile/memutils"
)

// dedicatedAllocationList is an intrusive linked list of the dedicated allocations of one memory type
type dedicatedAllocationList struct {
	lock utils.RWLocker

	count int
	head  *Allocation
	tail  *Allocation
}

func (l *dedicatedAllocationList) Init(useMutex bool) {
	l.lock = utils.NewRWLocker(useMutex)
}

func (l *dedicatedAllocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for item := l.head; item != nil; item = item.links.next {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += item.size
		stats.AddAllocation(item.size)
	}
}

func (l *dedicatedAllocationList) BuildStatsString(json jwriter.ObjectState) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	s := json.Name("DedicatedAllocations").Array()
	defer s.End()

	for alloc := l.head; alloc != nil; alloc = alloc.links.next {
		o := s.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

func (l *dedicatedAllocationList) IsEmpty() bool {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return l.count == 0
}

// visit calls fn for every allocation in the list while holding the read lock
func (l *dedicatedAllocationList) visit(fn func(alloc *Allocation)) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for alloc := l.head; alloc != nil; alloc = alloc.links.next {
		fn(alloc)
	}
}

func (l *dedicatedAllocationList) Register(alloc *Allocation) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.count == 0 {
		l.head = alloc
		l.tail = alloc
		l.count = 1
		return
	}

	alloc.links.prev = l.tail
	l.tail.links.next = alloc
	l.tail = alloc
	l.count++
}

func (l *dedicatedAllocationList) Unregister(alloc *Allocation) {
	l.lock.Lock()
	defer l.lock.Unlock()

	prev := alloc.links.prev
	next := alloc.links.next

	if prev != nil {
		prev.links.next = next
	} else {
		l.head = next
	}

	if next != nil {
		next.links.prev = prev
	} else {
		l.tail = prev
	}

	alloc.links.next = nil
	alloc.links.prev = nil
	l.count--
}
