package orderbook

// PriceLevel is a FIFO queue of resting orders at a single price. Insertion
// order encodes time priority within the level.
type PriceLevel struct {
	Price int64

	head *AcceptedOrder
	tail *AcceptedOrder

	TotalAmount int64
	OrderCount  int
}

func (p *PriceLevel) Enqueue(ao *AcceptedOrder) {
	if p.head == nil {
		p.head = ao
		p.tail = ao
	} else {
		p.tail.next = ao
		ao.prev = p.tail
		p.tail = ao
	}
	ao.level = p
	p.TotalAmount += ao.RemainingAmount
	p.OrderCount++
}

func (p *PriceLevel) Head() *AcceptedOrder { return p.head }

func (p *PriceLevel) Empty() bool { return p.head == nil }

// Reduce accounts a partial fill of an order still resting at this level.
func (p *PriceLevel) Reduce(amount int64) {
	p.TotalAmount -= amount
}

// Remove unlinks ao from anywhere in the level. ao must belong to this level.
func (p *PriceLevel) Remove(ao *AcceptedOrder) {
	if ao.prev != nil {
		ao.prev.next = ao.next
	} else {
		p.head = ao.next
	}
	if ao.next != nil {
		ao.next.prev = ao.prev
	} else {
		p.tail = ao.prev
	}
	ao.next = nil
	ao.prev = nil
	ao.level = nil

	p.TotalAmount -= ao.RemainingAmount
	p.OrderCount--
}

// PopHead removes and returns the order at the front of the queue.
func (p *PriceLevel) PopHead() *AcceptedOrder {
	ao := p.head
	if ao == nil {
		return nil
	}
	p.Remove(ao)
	return ao
}
