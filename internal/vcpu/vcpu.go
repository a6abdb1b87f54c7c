// Package vcpu runs the per-vCPU KVM_RUN loop: dispatching IO and MMIO
// exits to the hypervisor's bus, sleeping on HLT, and supporting
// signal-driven cancellation from another goroutine.
package vcpu

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/subgraph-ph/ph/internal/bus"
	"github.com/subgraph-ph/ph/internal/kvmapi"
)

// cancelSignal is the signal pH's vCPU threads unblock only around the
// KVM_RUN ioctl, so that Stop can interrupt a blocked guest without
// racing a handler installed for any other purpose. It is blocked
// everywhere else on the thread. SIGURG is safe to repurpose here
// because every vCPU thread is pinned with runtime.LockOSThread and
// never executes Go's own asynchronous-preemption paths meaningfully
// (there is nothing else running on it to preempt).
const cancelSignal = unix.SIGURG

// runner is the kvmapi.VCPU surface the run loop needs.
type runner interface {
	FD() int
	Run() (*kvmapi.Run, error)
	GetRegs() (*kvmapi.Regs, error)
}

// FatalEvent reports why the run loop stopped on its own, distinct from
// a caller-initiated Stop.
type FatalEvent struct {
	VCPU   int
	Reason string
}

func (e *FatalEvent) Error() string {
	return fmt.Sprintf("vcpu %d: fatal exit: %s", e.VCPU, e.Reason)
}

// VCPU owns one KVM vCPU's run loop.
type VCPU struct {
	id  int
	kvm runner
	pio *bus.Bus
	mmio *bus.Bus
	log *logrus.Entry

	tid     int32
	stopped atomic.Bool

	mu      sync.Mutex
	halted  bool
}

// New returns a VCPU ready to Run. pio and mmio are the buses IO and
// MMIO exits are forwarded to; they are built once before any vCPU
// starts and never change shape afterward, per the core's concurrency
// model.
func New(id int, kvm runner, pio, mmio *bus.Bus, log *logrus.Entry) *VCPU {
	return &VCPU{
		id:   id,
		kvm:  kvm,
		pio:  pio,
		mmio: mmio,
		log:  log.WithField("vcpu", id),
	}
}

// Run pins the calling goroutine to its OS thread, unblocks cancelSignal
// only around KVM_RUN, and loops dispatching exits until Stop is called
// or a fatal exit reason is seen. It must be called from a fresh
// goroutine per vCPU; it does not return until the loop ends.
func (v *VCPU) Run() error {
	pinOSThread()
	defer unpinOSThread()

	atomic.StoreInt32(&v.tid, int32(unix.Gettid()))

	// Registering a relay (even one nothing ever reads) stops the Go
	// runtime from treating SIGURG as fatal and, more importantly, makes
	// the signal actually interrupt a blocked syscall with EINTR instead
	// of being absorbed by the runtime's own async-preemption path.
	// Cancellation itself is detected via that EINTR, not via this channel.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, cancelSignal)
	defer signal.Stop(sigCh)

	if err := blockSignal(cancelSignal); err != nil {
		return fmt.Errorf("vcpu %d: block cancel signal: %w", v.id, err)
	}

	for {
		if v.stopped.Load() {
			return nil
		}

		run, err := v.runOnce()
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("vcpu %d: KVM_RUN: %w", v.id, err)
		}

		cont, ferr := v.handleExit(run)
		if ferr != nil {
			return ferr
		}
		if !cont {
			return nil
		}
	}
}

func (v *VCPU) runOnce() (*kvmapi.Run, error) {
	if err := unblockSignal(cancelSignal); err != nil {
		return nil, fmt.Errorf("unblock cancel signal: %w", err)
	}
	run, err := v.kvm.Run()
	blockSignal(cancelSignal) //nolint:errcheck // best-effort re-block; a failure here only widens the cancellation window
	return run, err
}

// handleExit dispatches one KVM_RUN exit. It returns (true, nil) to keep
// running, (false, nil) for a clean stop, and a non-nil error for a
// fatal exit the VM orchestrator must react to.
func (v *VCPU) handleExit(run *kvmapi.Run) (bool, error) {
	v.mu.Lock()
	v.halted = run.ExitReason == kvmapi.ExitHLT
	v.mu.Unlock()

	switch run.ExitReason {
	case kvmapi.ExitIO:
		v.dispatchIO(run)
		return true, nil
	case kvmapi.ExitMMIO:
		v.dispatchMMIO(run)
		return true, nil
	case kvmapi.ExitHLT:
		return true, nil
	case kvmapi.ExitIntr:
		return true, nil
	case kvmapi.ExitShutdown:
		return false, &FatalEvent{VCPU: v.id, Reason: "guest triple fault / shutdown"}
	case kvmapi.ExitFailEntry:
		return false, &FatalEvent{VCPU: v.id, Reason: "fail entry"}
	case kvmapi.ExitInternalError:
		regs, _ := v.kvm.GetRegs()
		v.log.WithField("regs", regs).Error("KVM internal error")
		return false, &FatalEvent{VCPU: v.id, Reason: "internal error"}
	default:
		return false, &FatalEvent{VCPU: v.id, Reason: fmt.Sprintf("unknown exit reason %d", run.ExitReason)}
	}
}

func (v *VCPU) dispatchIO(run *kvmapi.Run) {
	io := (*kvmapi.IO)(unsafe.Pointer(&run.UnionBytes[0]))
	base := unsafe.Pointer(run)
	data := unsafe.Slice((*byte)(unsafe.Add(base, io.DataOffset)), int(io.Size)*int(io.Count))

	dir := bus.Read
	if io.Direction == kvmapi.ExitIOOut {
		dir = bus.Write
	}

	for i := uint32(0); i < io.Count; i++ {
		chunk := data[int(i)*int(io.Size) : int(i+1)*int(io.Size)]
		v.pio.Dispatch(uint64(io.Port), dir, int(io.Size), chunk)
	}
}

func (v *VCPU) dispatchMMIO(run *kvmapi.Run) {
	mmio := (*kvmapi.MMIO)(unsafe.Pointer(&run.UnionBytes[0]))
	dir := bus.Read
	if mmio.IsWrite != 0 {
		dir = bus.Write
	}
	v.mmio.Dispatch(mmio.PhysAddr, dir, int(mmio.Len), mmio.Data[:mmio.Len])
}

// Halted reports whether the vCPU is currently parked on HLT. Devices
// use this to decide whether raising an interrupt needs to also wake
// the thread; KVM itself resumes a halted vCPU on any pending interrupt
// without userspace intervention once the in-kernel irqchip is in use.
func (v *VCPU) Halted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.halted
}

// Stop marks the loop for exit and signals the vCPU's OS thread so a
// blocked KVM_RUN returns immediately with EINTR instead of waiting for
// the guest to exit on its own.
func (v *VCPU) Stop() error {
	v.stopped.Store(true)
	tid := atomic.LoadInt32(&v.tid)
	if tid == 0 {
		return nil
	}
	return unix.Tgkill(unix.Getpid(), int(tid), cancelSignal)
}
