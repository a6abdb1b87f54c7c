// Package eventloop is the host-side reactor: a single thread that
// multiplexes virtqueue notification eventfds, device back-end sockets, and
// a shutdown eventfd, and dispatches each wakeup to the callback registered
// for that file descriptor.
package eventloop

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const maxEvents = 32

// Reactor owns one epoll instance. Registration is safe to call from any
// goroutine; Run must only be called once, from the thread that will block
// in epoll_wait for the reactor's lifetime.
type Reactor struct {
	fd  int
	log *logrus.Entry

	mu        sync.Mutex
	callbacks map[int32]func()

	stopFD   int
	stopOnce sync.Once
}

// New creates an epoll instance and a dedicated shutdown eventfd, already
// registered so Run returns as soon as Stop is called.
func New(log *logrus.Entry) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}

	stopFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}

	r := &Reactor{
		fd:        epfd,
		log:       log.WithField("component", "eventloop"),
		callbacks: make(map[int32]func()),
		stopFD:    stopFD,
	}

	if err := r.addFD(stopFD, nil); err != nil {
		unix.Close(stopFD)
		unix.Close(epfd)
		return nil, err
	}

	return r, nil
}

func (r *Reactor) addFD(fd int, cb func()) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: unix.EPOLLIN}
	if err := unix.EpollCtl(r.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd=%d: %w", fd, err)
	}
	r.mu.Lock()
	r.callbacks[int32(fd)] = cb
	r.mu.Unlock()
	return nil
}

// Register watches fd for readability and invokes onReadable, on the
// reactor's own goroutine, each time epoll reports it ready. A notify
// eventfd's counter must be drained by onReadable itself (this package does
// not assume eventfd semantics for every fd it multiplexes, since device
// back-end sockets are registered the same way).
func (r *Reactor) Register(fd int, onReadable func()) error {
	return r.addFD(fd, onReadable)
}

// Unregister stops watching fd. It is a no-op if fd was never registered.
func (r *Reactor) Unregister(fd int) error {
	r.mu.Lock()
	delete(r.callbacks, int32(fd))
	r.mu.Unlock()
	if err := unix.EpollCtl(r.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("eventloop: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Run blocks, dispatching readiness events to their registered callbacks,
// until Stop is called. It returns nil on a clean stop.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(r.fd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := events[i].Fd
			if fd == int32(r.stopFD) {
				r.drainStop()
				return nil
			}

			r.mu.Lock()
			cb := r.callbacks[fd]
			r.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}
}

func (r *Reactor) drainStop() {
	var buf [8]byte
	unix.Read(r.stopFD, buf[:])
}

// Stop requests the reactor's Run loop to return. Safe to call more than
// once and from any goroutine.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		buf := make([]byte, 8)
		buf[0] = 1
		if _, err := unix.Write(r.stopFD, buf); err != nil {
			r.log.WithError(err).Warn("eventloop: failed to signal stop eventfd")
		}
	})
}

// Close releases the epoll and stop file descriptors. Call after Run has
// returned.
func (r *Reactor) Close() error {
	err1 := unix.Close(r.stopFD)
	err2 := unix.Close(r.fd)
	if err1 != nil {
		return fmt.Errorf("eventloop: close stop eventfd: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("eventloop: close epoll fd: %w", err2)
	}
	return nil
}

// NotifyFD is a Linux eventfd used to coalesce virtqueue notifications: the
// vCPU thread servicing an MMIO write to the queue-notify register calls
// Signal, and the reactor's callback for this fd calls Drain before doing
// the device's actual queue work. Multiple Signal calls between two Drain
// calls collapse into one wakeup, per the transport's coalescing allowance.
type NotifyFD struct {
	fd int
}

// NewNotifyFD creates a non-blocking eventfd suitable for registration with
// a Reactor.
func NewNotifyFD() (*NotifyFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}
	return &NotifyFD{fd: fd}, nil
}

// FD returns the raw descriptor, for Reactor.Register.
func (n *NotifyFD) FD() int { return n.fd }

// Signal bumps the eventfd counter, waking the reactor if it is blocked in
// epoll_wait.
func (n *NotifyFD) Signal() error {
	buf := make([]byte, 8)
	buf[0] = 1
	_, err := unix.Write(n.fd, buf)
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventloop: signal notify fd: %w", err)
	}
	return nil
}

// Drain resets the eventfd counter to zero. Call once per wakeup before
// doing the associated work, so a Signal that races with Drain is not lost.
func (n *NotifyFD) Drain() {
	var buf [8]byte
	unix.Read(n.fd, buf[:])
}

// Close releases the eventfd.
func (n *NotifyFD) Close() error { return unix.Close(n.fd) }
