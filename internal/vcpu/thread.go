package vcpu

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinOSThread locks the calling goroutine to its OS thread for the
// lifetime of the run loop. KVM vCPU file descriptors are only valid
// from the thread that issued KVM_CREATE_VCPU's sibling KVM_RUN calls,
// and signal-based cancellation targets a specific tid.
func pinOSThread() {
	runtime.LockOSThread()
}

func unpinOSThread() {
	runtime.UnlockOSThread()
}

func blockSignal(sig unix.Signal) error {
	var set unix.Sigset_t
	sigaddset(&set, sig)
	return unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil)
}

func unblockSignal(sig unix.Signal) error {
	var set unix.Sigset_t
	sigaddset(&set, sig)
	return unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil)
}

// sigaddset mirrors the libc macro: Sigset_t is a bitmask of (signal-1)
// bits, laid out as an array of uint64 words on linux/amd64.
func sigaddset(set *unix.Sigset_t, sig unix.Signal) {
	bit := uint(sig) - 1
	word := bit / 64
	set.Val[word] |= 1 << (bit % 64)
}
