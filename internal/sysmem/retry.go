package sysmem

import (
	"fmt"
	"runtime"
)

// maxRetries bounds the yield-and-retry loop used for transient OS
// errors (another thread mid-transition on an adjacent reservation).
// It is generous because the loop only spins while a concurrent CAS
// winner is between its own two syscalls, which is a few instructions.
const maxRetries = 4096

// Retry runs fn until it returns a non-transient result, yielding the
// remainder of the calling goroutine's time slice (runtime.Gosched,
// the Go analogue of Sleep(0)) between attempts. A transient error that
// survives maxRetries attempts is surfaced as ErrInternal: something is
// stuck, not merely contended.
func Retry(fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt >= maxRetries {
			return fmt.Errorf("%w: exceeded %d retries: %v", ErrInternal, maxRetries, err)
		}
		runtime.Gosched()
	}
}
