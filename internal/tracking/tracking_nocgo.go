//go:build !cgo

package tracking

// Without cgo go-sqlite3 compiles to a stub that fails at runtime, so the
// log is disabled up front.
func init() {
	IsCgoEnabled = false
	Open = func(string) (*DeliveryLog, error) {
		return nil, ErrCgoDisabled
	}
}
