// Package authority decides which legacy store owns a given order.
package authority

// StoreID identifies one of the two legacy desktop databases. The central
// store is deliberately absent: it is never an authority for legacy-owned
// tables.
type StoreID string

const (
	// StorePrimary is the "OS Atual" file, holding orders below the
	// partition threshold.
	StorePrimary StoreID = "os_atual"
	// StoreSecondary is the "Papelaria" file, holding orders at or above
	// the threshold.
	StoreSecondary StoreID = "papelaria"
)

// DefaultThreshold is the partition rule inherited from the desktop
// system: order numbers >= 5000 live in the Papelaria file.
const DefaultThreshold = 5000

// Resolver is a pure partition function over a single numeric threshold.
type Resolver struct {
	threshold int
}

func NewResolver(threshold int) Resolver {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Resolver{threshold: threshold}
}

// For returns the legacy store that is the source of truth for the given
// order number.
func (r Resolver) For(orderNumber int) StoreID {
	if orderNumber >= r.threshold {
		return StoreSecondary
	}
	return StorePrimary
}

func (r Resolver) Threshold() int {
	return r.threshold
}
