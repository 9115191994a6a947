package matching

// PriceLevel is the FIFO queue of resting orders at one price on one side.
// Orders are linked intrusively so removal from the middle of the queue is O(1)
// and partial fills never move an order.
type PriceLevel struct {
	Price     Price
	TotalSize uint64

	head  *Order
	tail  *Order
	count int
}

func newPriceLevel(price Price) *PriceLevel {
	return &PriceLevel{Price: price}
}

// Len returns the number of orders queued at this level.
func (l *PriceLevel) Len() int {
	return l.count
}

// Front is the oldest order at this level.
func (l *PriceLevel) Front() *Order {
	return l.head
}

// Each walks the queue in time priority until fn returns false.
func (l *PriceLevel) Each(fn func(*Order) bool) {
	for o := l.head; o != nil; o = o.next {
		if !fn(o) {
			return
		}
	}
}

func (l *PriceLevel) append(o *Order) error {
	size, err := AddAmount(l.TotalSize, o.Remaining())
	if err != nil {
		return err
	}
	o.level = l
	o.prev = l.tail
	o.next = nil
	if l.tail != nil {
		l.tail.next = o
	} else {
		l.head = o
	}
	l.tail = o
	l.count++
	l.TotalSize = size
	return nil
}

func (l *PriceLevel) unlink(o *Order) error {
	if o.level != l {
		return ErrInvariant
	}
	size, err := SubAmount(l.TotalSize, o.Remaining())
	if err != nil {
		return ErrInvariant
	}
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		l.tail = o.prev
	}
	o.level, o.prev, o.next = nil, nil, nil
	l.count--
	l.TotalSize = size
	return nil
}

// shrink lowers the aggregate size after a member order was partially filled.
func (l *PriceLevel) shrink(amount uint64) error {
	size, err := SubAmount(l.TotalSize, amount)
	if err != nil {
		return ErrInvariant
	}
	l.TotalSize = size
	return nil
}

// check recomputes the aggregate from the members.
func (l *PriceLevel) check() error {
	var sum uint64
	n := 0
	for o := l.head; o != nil; o = o.next {
		if o.level != l || o.Remaining() == 0 || o.Price != l.Price {
			return ErrInvariant
		}
		sum += o.Remaining()
		n++
	}
	if sum != l.TotalSize || n != l.count || n == 0 {
		return ErrInvariant
	}
	return nil
}
