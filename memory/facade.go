// Package memory is vmcore's public surface: a process-wide protection
// domain exposing allocate/commit/decommit/copy/protect/query over a
// byte-granular, copy-on-write address space. Every entry point here
// is a thin validating wrapper around internal/addrspace; the
// interesting bookkeeping lives one layer down.
package memory

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/tklauser/go-sysconf"
	"go.uber.org/zap"

	"github.com/pagevm/vmcore/internal/addrspace"
	"github.com/pagevm/vmcore/internal/config"
	"github.com/pagevm/vmcore/internal/sysmem"
	"github.com/pagevm/vmcore/internal/telemetry"
)

// Facade owns one protection domain's live state: its address space
// and the logger every operation reports through.
type Facade struct {
	space *addrspace.AddressSpace
	log   *zap.Logger
}

var current atomic.Pointer[Facade]

// Initialize builds the process-wide Facade from cfg. It must be
// called once before any other package-level function; calling it
// again replaces the singleton without tearing down the previous one
// (callers that need a clean restart should Terminate first).
func Initialize(cfg config.Config) error {
	log, err := telemetry.New(telemetry.Options{
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
		Fields:      []zap.Field{zap.String("component", "vmcore")},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", sysmem.ErrInitialize, err)
	}

	pageSize, err := hostPageSize()
	if err != nil {
		log.Warn("falling back to the Go runtime's page size", zap.Error(err))
	}

	blockSize := uintptr(cfg.BlockGranularity)
	if blockSize%pageSize != 0 {
		return fmt.Errorf("%w: block granularity %d is not a multiple of page size %d", sysmem.ErrInitialize, blockSize, pageSize)
	}

	space := addrspace.New(sysmem.NewLinuxShim(), pageSize, blockSize, cfg.NamePrefix)
	space.SetFaultTracing(cfg.EventTracing)
	current.Store(&Facade{space: space, log: log})

	log.Info("vmcore initialized",
		zap.Uintptr("page_size", pageSize),
		zap.Uintptr("block_size", blockSize),
	)
	return nil
}

// hostPageSize resolves the OS page size via go-sysconf, falling
// back to the Go runtime's own notion of it if sysconf is
// unavailable (e.g. this binary was cross-built for a non-Linux
// target and linked against a stub).
func hostPageSize() (uintptr, error) {
	v, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		return uintptr(os.Getpagesize()), fmt.Errorf("sysconf page size: %w", err)
	}
	return uintptr(v), nil
}

// Terminate clears the process-wide Facade and flushes its logger.
// It does not unmap blocks, close their mapping handles or release
// reservations: address space obtained through the Facade stays
// mapped. Calling any other package-level function afterward returns
// ErrInitialize until Initialize runs again.
func Terminate() error {
	f := current.Swap(nil)
	if f == nil {
		return nil
	}
	defer f.log.Sync()
	return nil
}

func facade() (*Facade, error) {
	f := current.Load()
	if f == nil {
		return nil, fmt.Errorf("%w: memory.Initialize was not called", sysmem.ErrInitialize)
	}
	return f, nil
}

func roundUp(v, granularity uintptr) uintptr {
	return (v + granularity - 1) / granularity * granularity
}

func roundDown(v, granularity uintptr) uintptr {
	return v - v%granularity
}

// Allocate reserves, and unless Reserved is set commits, size bytes
// of address space. If dst is zero the OS chooses the address; if
// Exactly is set, dst (when non-zero) must be honored exactly and a
// failure to satisfy the request returns (0, nil) instead of an
// error. flags accepts Reserved, Exactly, ZeroInit.
func Allocate(dst, size uintptr, flags Flags) (uintptr, error) {
	f, err := facade()
	if err != nil {
		return 0, err
	}
	if !flags.allowed(Reserved | Exactly | ZeroInit) {
		return 0, fmt.Errorf("%w: allocate", sysmem.ErrInvFlag)
	}

	blockSize := f.space.BlockSize()
	size = roundUp(size, blockSize)
	if dst != 0 && !flags.Has(Exactly) {
		dst = roundDown(dst, blockSize)
	}

	addr, err := f.space.Reserve(dst, size)
	if err != nil {
		return exactlyOrErr(flags, err)
	}

	if !flags.Has(Reserved) {
		if err := f.space.Commit(addr, size, false); err != nil {
			_ = f.space.Release(addr, size)
			return exactlyOrErr(flags, err)
		}
	}
	return addr, nil
}

// exactlyOrErr implements the EXACTLY error-conversion policy: an
// ErrNoMemory becomes a zero return when flags carries Exactly,
// every other error (and ErrNoMemory without Exactly) propagates.
func exactlyOrErr(flags Flags, err error) (uintptr, error) {
	if flags.Has(Exactly) && errors.Is(err, sysmem.ErrNoMemory) {
		return 0, nil
	}
	return 0, err
}

// Commit makes [addr, addr+size) accessible. flags accepts ReadOnly
// or ReadWrite to select the resulting protection; ReadWrite is the
// default if neither is set.
func Commit(addr, size uintptr, flags Flags) error {
	f, err := facade()
	if err != nil {
		return err
	}
	if !flags.allowed(ReadOnly | ReadWrite) {
		return fmt.Errorf("%w: commit", sysmem.ErrInvFlag)
	}
	if err := f.space.Commit(addr, size, flags.Has(ReadOnly)); err != nil {
		return err
	}
	return nil
}

// Decommit releases the backing storage of [addr, addr+size).
func Decommit(addr, size uintptr) error {
	f, err := facade()
	if err != nil {
		return err
	}
	return f.space.Decommit(addr, size)
}

// Release tears down [addr, addr+size) entirely, returning it to the
// free pool.
func Release(addr, size uintptr) error {
	f, err := facade()
	if err != nil {
		return err
	}
	return f.space.Release(addr, size)
}

// Protect changes the access of [addr, addr+size). flags must carry
// exactly one of ReadOnly or ReadWrite.
func Protect(addr, size uintptr, flags Flags) error {
	f, err := facade()
	if err != nil {
		return err
	}
	ro, rw := flags.Has(ReadOnly), flags.Has(ReadWrite)
	if ro == rw {
		return fmt.Errorf("%w: protect: exactly one of ReadOnly/ReadWrite required", sysmem.ErrInvFlag)
	}
	return f.space.ChangeProtection(addr, size, ro)
}
