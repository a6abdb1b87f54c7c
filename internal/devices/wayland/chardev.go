package wayland

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// udmabufPath is the host character device that hands out anonymous
// dma-buf file descriptors backed by shmem pages, the mechanism real
// Wayland proxies use to share guest-visible memory with the host
// compositor without a dedicated kernel driver.
const udmabufPath = "/dev/udmabuf"

// udmabufCreate mirrors struct udmabuf_create from linux/udmabuf.h:
// a memfd plus the byte range within it to export as a dma-buf.
type udmabufCreate struct {
	MemFD  uint32
	Flags  uint32
	Offset uint64
	Size   uint64
}

// udmabufCreateIoctl is _IOW('u', 0x42, struct udmabuf_create).
const udmabufCreateIoctl = 0x40187542

// Udmabuf is a HostChardev backed by a real /dev/udmabuf node: each
// shared region becomes a memfd sized to the request, exported as a
// dma-buf through UDMABUF_CREATE. Regions are tracked by the guest-chosen
// id so ReleaseRegion can close both descriptors.
type Udmabuf struct {
	fd int

	mu      sync.Mutex
	regions map[uint32]udmabufRegion
}

type udmabufRegion struct {
	memFD   int
	dmabufFD int
}

// OpenUdmabuf opens the host udmabuf device. It fails closed: a realm
// whose kernel lacks CONFIG_UDMABUF runs with no wayland region
// backing, matching the chardev's own AllocateRegion error contract.
func OpenUdmabuf() (*Udmabuf, error) {
	fd, err := unix.Open(udmabufPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("wayland: open %s: %w", udmabufPath, err)
	}
	return &Udmabuf{fd: fd, regions: make(map[uint32]udmabufRegion)}, nil
}

// AllocateRegion creates a memfd of size bytes and exports it as a
// dma-buf via the udmabuf device, recording both descriptors under id.
func (u *Udmabuf) AllocateRegion(id uint32, size uint64) error {
	memFD, err := unix.MemfdCreate(fmt.Sprintf("ph-wl-region-%d", id), 0)
	if err != nil {
		return fmt.Errorf("wayland: memfd_create region %d: %w", id, err)
	}
	if err := unix.Ftruncate(memFD, int64(size)); err != nil {
		unix.Close(memFD)
		return fmt.Errorf("wayland: ftruncate region %d to %d: %w", id, size, err)
	}

	create := udmabufCreate{MemFD: uint32(memFD), Size: size}
	dmabufFD, err := ioctlUdmabufCreate(u.fd, &create)
	if err != nil {
		unix.Close(memFD)
		return fmt.Errorf("wayland: UDMABUF_CREATE region %d: %w", id, err)
	}

	u.mu.Lock()
	u.regions[id] = udmabufRegion{memFD: memFD, dmabufFD: dmabufFD}
	u.mu.Unlock()
	return nil
}

// ReleaseRegion closes both descriptors backing id. Releasing an id
// that was never allocated, or was already released, is a no-op:
// Device.OnReset calls this for every region it still has open, which
// may race a guest-initiated release already in flight.
func (u *Udmabuf) ReleaseRegion(id uint32) error {
	u.mu.Lock()
	r, ok := u.regions[id]
	if ok {
		delete(u.regions, id)
	}
	u.mu.Unlock()
	if !ok {
		return nil
	}

	unix.Close(r.dmabufFD)
	return unix.Close(r.memFD)
}

// Close releases every still-open region and the udmabuf device itself.
func (u *Udmabuf) Close() error {
	u.mu.Lock()
	ids := make([]uint32, 0, len(u.regions))
	for id := range u.regions {
		ids = append(ids, id)
	}
	u.mu.Unlock()

	for _, id := range ids {
		u.ReleaseRegion(id)
	}
	return unix.Close(u.fd)
}

func ioctlUdmabufCreate(fd int, create *udmabufCreate) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(udmabufCreateIoctl), uintptr(unsafe.Pointer(create)))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
