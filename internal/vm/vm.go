// Package vm wires every other package into one runnable virtual machine:
// the KVM handle, guest memory, the IRQ controller, the PIO/MMIO buses, the
// legacy and virtio device back-ends, the boot loader, and the vCPU run
// loop, per spec.md's System Overview dependency order.
package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/subgraph-ph/ph/internal/boot"
	"github.com/subgraph-ph/ph/internal/bus"
	"github.com/subgraph-ph/ph/internal/devices/blk"
	"github.com/subgraph-ph/ph/internal/devices/console"
	"github.com/subgraph-ph/ph/internal/devices/entropy"
	"github.com/subgraph-ph/ph/internal/devices/legacy"
	"github.com/subgraph-ph/ph/internal/devices/ninep"
	"github.com/subgraph-ph/ph/internal/devices/wayland"
	"github.com/subgraph-ph/ph/internal/eventloop"
	"github.com/subgraph-ph/ph/internal/irq"
	"github.com/subgraph-ph/ph/internal/kvmapi"
	"github.com/subgraph-ph/ph/internal/memory"
	"github.com/subgraph-ph/ph/internal/vcpu"
	"github.com/subgraph-ph/ph/internal/virtio"
)

// mmioWindowSize is the per-device virtio-mmio register window: the fixed
// register file plus config space is nowhere close to a full page for any
// of pH's five back-ends, so one page per device keeps the address
// allocator's bookkeeping trivial.
const mmioWindowSize = 0x1000

// tssGPA and identityMapGPA are the two reserved physical pages x86 KVM
// wants outside of normal guest RAM, at the fixed high addresses every
// from-scratch KVM loader uses. Neither is guest-visible; the guest never
// reads or writes them directly.
const (
	tssGPA        = 0xffffd000
	identityMapGPA = 0xfffbc000
)

const pageSize = 4096

// Config describes one VM construction: the boot image set, the guest RAM
// size, and the host-side collaborator for every virtio device back-end.
type Config struct {
	Kernel      []byte
	Initrd      []byte
	CommandLine string
	RAMSize     uint64

	BlockBackend   blk.Backend
	PTY            console.PTY
	NinePTag       string
	NinePServer    ninep.Server
	Compositor     wayland.Compositor
	WaylandChardev wayland.HostChardev
}

// VirtualMachine owns every resource a single guest invocation allocates:
// the KVM handle, guest memory, one vCPU, the device back-ends bound to it,
// and the host-side workers that drive them.
type VirtualMachine struct {
	log *logrus.Entry

	kvm    *kvmapi.Handle
	mem    *memory.GuestMemory
	alloc  *memory.Allocator
	irqCtl *irq.Controller

	pio  *bus.Bus
	mmio *bus.Bus

	kvmVCPU *kvmapi.VCPU
	cpu     *vcpu.VCPU

	reactor *eventloop.Reactor

	serial   *legacy.Serial
	rtc      *legacy.RTC
	keyboard *legacy.Keyboard

	blkDev     *blk.Device
	consoleDev *console.Device
	entropyDev *entropy.Device
	ninepDev   *ninep.Device
	waylandDev *wayland.Device

	workers []*queueWorker

	started   atomic.Bool
	stopCount atomic.Int32
	hardKill  chan struct{}
	hardOnce  sync.Once

	consoleStop chan struct{}
	consoleDone chan struct{}
	consoleOnce sync.Once

	waylandStop chan struct{}
	waylandDone chan struct{}
	waylandOnce sync.Once
}

// New constructs a VM: opens the hypervisor, maps guest RAM, builds every
// device back-end, and loads the kernel. The returned VM has not started
// running any vCPU yet; call Run for that.
func New(cfg Config, log *logrus.Entry) (*VirtualMachine, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "vm")

	h, err := kvmapi.Open(log)
	if err != nil {
		return nil, err
	}

	vmachine := &VirtualMachine{
		log:         log,
		kvm:         h,
		alloc:       memory.NewAllocator(),
		hardKill:    make(chan struct{}),
		consoleStop: make(chan struct{}),
		consoleDone: make(chan struct{}),
		waylandStop: make(chan struct{}),
		waylandDone: make(chan struct{}),
	}

	if err := vmachine.setup(cfg); err != nil {
		h.Close()
		return nil, err
	}
	return vmachine, nil
}

func (vm *VirtualMachine) setup(cfg Config) error {
	if err := vm.kvm.SetTSSAddr(tssGPA); err != nil {
		return err
	}
	if err := vm.kvm.SetIdentityMapAddr(identityMapGPA); err != nil {
		return err
	}

	vm.mem = memory.New(vm.kvm)
	ramBase, err := vm.alloc.AllocateRAM(cfg.RAMSize, pageSize)
	if err != nil {
		return err
	}
	if err := vm.mem.AddSlot(ramBase, cfg.RAMSize); err != nil {
		return fmt.Errorf("vm: map guest ram: %w", err)
	}

	vm.irqCtl = irq.New(vm.kvm)
	vm.pio = bus.New()
	vm.mmio = bus.New()

	if err := vm.setupLegacyDevices(cfg); err != nil {
		return err
	}
	if err := vm.setupVirtioDevices(cfg); err != nil {
		return err
	}

	kvmVCPU, err := vm.kvm.CreateVCPU(0)
	if err != nil {
		return fmt.Errorf("vm: create vcpu: %w", err)
	}
	vm.kvmVCPU = kvmVCPU
	vm.cpu = vcpu.New(0, kvmVCPU, vm.pio, vm.mmio, vm.log)

	bootCfg := boot.Config{
		Kernel:      cfg.Kernel,
		Initrd:      cfg.Initrd,
		CommandLine: cfg.CommandLine,
		RAMSize:     cfg.RAMSize,
	}
	if err := boot.Load(vm.mem, vm.kvmVCPU, bootCfg); err != nil {
		return fmt.Errorf("vm: load boot image: %w", err)
	}

	reactor, err := eventloop.New(vm.log)
	if err != nil {
		return fmt.Errorf("vm: start event loop: %w", err)
	}
	vm.reactor = reactor

	return nil
}

func (vm *VirtualMachine) setupLegacyDevices(cfg Config) error {
	serialLine := vm.irqCtl.DedicatedLine(uint32(legacy.IRQSerial), irq.LevelTriggered)
	vm.serial = legacy.NewSerial(serialLine, cfg.PTY)
	if err := vm.pio.Register(legacy.SerialBasePort, legacy.SerialEndPort-legacy.SerialBasePort+1, vm.serial); err != nil {
		return err
	}

	rtcLine := vm.irqCtl.DedicatedLine(uint32(legacy.IRQRTC), irq.LevelTriggered)
	vm.rtc = legacy.NewRTC(rtcLine)
	if err := vm.pio.Register(legacy.RTCIndexPort, 2, vm.rtc); err != nil {
		return err
	}

	vm.keyboard = legacy.NewKeyboard()
	kbdLen := legacy.KeyboardStatusPort - legacy.KeyboardDataPort + 1
	return vm.pio.Register(legacy.KeyboardDataPort, kbdLen, vm.keyboard)
}

// bindTransport allocates an MMIO window, builds the transport for dev, and
// registers it on the MMIO bus.
func (vm *VirtualMachine) bindTransport(dev virtio.Device, trigger irq.Trigger) (*virtio.Transport, error) {
	base, err := vm.alloc.AllocateMMIO(mmioWindowSize, mmioWindowSize)
	if err != nil {
		return nil, err
	}
	line := vm.irqCtl.AllocateLine(trigger)
	tp := virtio.NewTransport(dev, vm.mem, line, vm.log)
	if err := vm.mmio.Register(base, mmioWindowSize, tp); err != nil {
		return nil, err
	}
	return tp, nil
}

// bindDedicated is bindTransport plus the async wrapper that hands
// OnQueueNotify off to a dedicated worker goroutine, for the three
// back-ends spec.md §4.9 calls out as needing their own thread (block
// image I/O, the 9p server, the wayland proxy).
func (vm *VirtualMachine) bindDedicated(dev virtio.Device, numQueues int, trigger irq.Trigger) (*virtio.Transport, error) {
	wrapped := newAsyncQueueDevice(dev, numQueues)
	tp, err := vm.bindTransport(wrapped, trigger)
	if err != nil {
		return nil, err
	}
	vm.workers = append(vm.workers, wrapped.w)
	return tp, nil
}

func (vm *VirtualMachine) setupVirtioDevices(cfg Config) error {
	vm.blkDev = blk.New(cfg.BlockBackend, vm.log)
	tp, err := vm.bindDedicated(vm.blkDev, vm.blkDev.NumQueues(), irq.EdgeTriggered)
	if err != nil {
		return fmt.Errorf("vm: bind virtio-blk: %w", err)
	}
	vm.blkDev.Bind(tp, vm.mem)

	// Console and entropy do short enough work (a pty write, a crypto/rand
	// fill) that they run inline on the vCPU thread servicing the
	// queue-notify MMIO write, rather than paying a dedicated-thread
	// handoff for work that finishes faster than the handoff itself would.
	vm.consoleDev = console.New(cfg.PTY, vm.log)
	tp, err = vm.bindTransport(vm.consoleDev, irq.EdgeTriggered)
	if err != nil {
		return fmt.Errorf("vm: bind virtio-console: %w", err)
	}
	vm.consoleDev.Bind(tp, vm.mem)

	vm.entropyDev = entropy.New(vm.log)
	tp, err = vm.bindTransport(vm.entropyDev, irq.EdgeTriggered)
	if err != nil {
		return fmt.Errorf("vm: bind virtio-rng: %w", err)
	}
	vm.entropyDev.Bind(tp, vm.mem)

	vm.ninepDev = ninep.New(cfg.NinePTag, cfg.NinePServer, vm.log)
	tp, err = vm.bindDedicated(vm.ninepDev, vm.ninepDev.NumQueues(), irq.EdgeTriggered)
	if err != nil {
		return fmt.Errorf("vm: bind virtio-9p: %w", err)
	}
	vm.ninepDev.Bind(tp, vm.mem)

	vm.waylandDev = wayland.New(cfg.Compositor, cfg.WaylandChardev, vm.alloc, vm.log)
	tp, err = vm.bindDedicated(vm.waylandDev, vm.waylandDev.NumQueues(), irq.EdgeTriggered)
	if err != nil {
		return fmt.Errorf("vm: bind virtio-wl: %w", err)
	}
	vm.waylandDev.Bind(tp, vm.mem)

	return nil
}

// Run starts the vCPU thread and every device worker, then blocks until the
// vCPU exits (guest shutdown, triple fault, or host-fatal error) or a hard
// kill is requested via a second Stop call. It returns the vCPU's terminal
// error (a *vcpu.FatalEvent for a guest shutdown, triple fault, or internal
// error), or nil once Stop has ended the run loop.
func (vm *VirtualMachine) Run() error {
	vm.started.Store(true)

	go func() {
		if err := vm.reactor.Run(); err != nil {
			vm.log.WithError(err).Warn("vm: event loop exited with an error")
		}
	}()

	go vm.pumpConsole()
	go vm.pumpWayland()

	vcpuErr := make(chan error, 1)
	go func() { vcpuErr <- vm.cpu.Run() }()

	select {
	case err := <-vcpuErr:
		return err
	case <-vm.hardKill:
		return nil
	}
}

func (vm *VirtualMachine) pumpConsole() {
	defer close(vm.consoleDone)
	for {
		select {
		case <-vm.consoleStop:
			return
		default:
		}
		vm.consoleDev.PumpReceive()
	}
}

// pumpWayland drives the compositor-to-guest event queue the same way
// pumpConsole drives the pty receive side: a dedicated goroutine blocked
// on the host collaborator's Read, since neither PTY nor Compositor
// expose a file descriptor a reactor could poll directly.
func (vm *VirtualMachine) pumpWayland() {
	defer close(vm.waylandDone)
	for {
		select {
		case <-vm.waylandStop:
			return
		default:
		}
		vm.waylandDev.PumpEvents()
	}
}

// Stop requests VM shutdown. The first call is graceful: the vCPU is
// signalled to exit its run ioctl and device workers finish their current
// drain pass before stopping. A second call is a hard kill: every thread is
// signalled and Run returns immediately without waiting for workers to
// drain, per spec.md §5's "second shutdown request becomes a hard kill".
func (vm *VirtualMachine) Stop() {
	n := vm.stopCount.Add(1)

	if err := vm.cpu.Stop(); err != nil {
		vm.log.WithError(err).Warn("vm: failed to signal vcpu during stop")
	}
	vm.reactor.Stop()
	vm.consoleOnce.Do(func() { close(vm.consoleStop) })
	vm.waylandOnce.Do(func() { close(vm.waylandStop) })

	if n == 1 {
		// Every worker finishes its current pass independently; join them
		// concurrently rather than paying the slowest one's latency once
		// per worker in sequence.
		var g errgroup.Group
		for _, w := range vm.workers {
			w := w
			g.Go(func() error {
				w.stopDraining()
				return nil
			})
		}
		g.Wait()
		return
	}

	vm.hardOnce.Do(func() { close(vm.hardKill) })
}

// Close tears down every resource the VM owns: the vCPU, guest memory, and
// the KVM handle. Every failure is collected rather than stopping at the
// first, since Close must release the host resources it can even if one
// step fails.
func (vm *VirtualMachine) Close() error {
	var result *multierror.Error

	if vm.started.Load() {
		<-vm.consoleDone
		<-vm.waylandDone
	}

	if vm.kvmVCPU != nil {
		if err := vm.kvmVCPU.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close vcpu: %w", err))
		}
	}
	if err := vm.reactor.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if vm.mem != nil {
		if err := vm.mem.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close guest memory: %w", err))
		}
	}
	if vm.kvm != nil {
		if err := vm.kvm.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close kvm handle: %w", err))
		}
	}

	return result.ErrorOrNil()
}
