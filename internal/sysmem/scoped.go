package sysmem

// Scoped runs acquire to obtain a temporary Handle, then runs use with
// it. If use fails, the handle obtained by acquire is closed before
// the error is returned, so a duplicated mapping handle or a fresh
// mapping created mid-operation never leaks on an error path. Grounded
// on uffd/fdexit.FdExit's sync.Once-guarded close-on-every-exit-path
// pattern, generalized from a fixed pipe pair to an arbitrary
// acquire/use pair over a Handle.
func Scoped(s Shim, acquire func() (Handle, error), use func(Handle) error) error {
	h, err := acquire()
	if err != nil {
		return err
	}
	if err := use(h); err != nil {
		_ = s.CloseHandle(h)
		return err
	}
	return nil
}
