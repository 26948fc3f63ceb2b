package orders

import "sort"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// forward path driven by the admin back-office; cancellation is handled separately
var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusPaid: true},
	StatusProcessing: {StatusPaid: true, StatusShipped: true},
	StatusPaid:       {StatusProcessing: true, StatusShipped: true},
	StatusShipped:    {StatusDelivered: true},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// CanTransition reports whether to follows from on the forward path.
// Admin updates are not rejected when this is false, only flagged.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Cancellable: every state except delivered and cancelled itself.
func Cancellable(s Status) bool {
	return s.Valid() && s != StatusDelivered && s != StatusCancelled
}

// terminalForCancel lists the statuses the cancel guard rejects.
func terminalForCancel() []string {
	out := make([]string, 0, 2)
	for st := range validNext {
		if !Cancellable(st) {
			out = append(out, string(st))
		}
	}
	sort.Strings(out)
	return out
}
