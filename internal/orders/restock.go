package orders

import "fmt"

// RestockPolicy decides what happens to stock when an order is cancelled.
type RestockPolicy string

const (
	// RestockNone leaves stock untouched; counts are reconciled by hand.
	RestockNone RestockPolicy = "none"
	// RestockOnCancel returns the order's line-item quantities to stock.
	RestockOnCancel RestockPolicy = "on_cancel"
)

func ParseRestockPolicy(s string) (RestockPolicy, error) {
	switch p := RestockPolicy(s); p {
	case "":
		return RestockNone, nil
	case RestockNone, RestockOnCancel:
		return p, nil
	default:
		return "", fmt.Errorf("unknown restock policy %q (want none or on_cancel)", s)
	}
}

func (p RestockPolicy) RestoresOnCancel() bool { return p == RestockOnCancel }
