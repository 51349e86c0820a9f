package models

import "slices"

// TransitionTable is the directed graph of legal order status changes.
// It is built once and never mutated afterwards.
type TransitionTable struct {
	edges map[OrderStatus][]OrderStatus
}

func NewTransitionTable(edges map[OrderStatus][]OrderStatus) *TransitionTable {
	copied := make(map[OrderStatus][]OrderStatus, len(edges))
	for from, to := range edges {
		copied[from] = slices.Clone(to)
	}
	return &TransitionTable{edges: copied}
}

func DefaultTransitions() *TransitionTable {
	return NewTransitionTable(map[OrderStatus][]OrderStatus{
		StatusDraft:      {StatusReserved, StatusCancelled},
		StatusReserved:   {StatusPaid, StatusCancelled},
		StatusPaid:       {StatusProcessing, StatusCancelled, StatusRefunded},
		StatusProcessing: {StatusFulfilled, StatusCancelled, StatusRefunded},
		StatusFulfilled:  {StatusShipped, StatusCancelled, StatusRefunded},
		StatusShipped:    {StatusDelivered, StatusCancelled, StatusRefunded},
		StatusDelivered:  {StatusRefunded},
	})
}

func (t *TransitionTable) Allowed(from, to OrderStatus) bool {
	return slices.Contains(t.edges[from], to)
}

func (t *TransitionTable) Validate(from, to OrderStatus) error {
	if !t.Allowed(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

func (t *TransitionTable) Next(from OrderStatus) []OrderStatus {
	return slices.Clone(t.edges[from])
}

func (t *TransitionTable) IsTerminal(s OrderStatus) bool {
	return len(t.edges[s]) == 0
}
