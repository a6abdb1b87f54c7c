// Command ph boots one realm: a single paravirtualized Linux guest
// whose root filesystem, home directory, and compositor link are
// mediated by the host. It implements exactly the flag surface the
// core consumes and nothing else.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/subgraph-ph/ph/internal/config"
	"github.com/subgraph-ph/ph/internal/devices/blk"
	"github.com/subgraph-ph/ph/internal/devices/wayland"
	"github.com/subgraph-ph/ph/internal/vcpu"
	"github.com/subgraph-ph/ph/internal/vm"
)

const (
	exitClean       = 0
	exitHostFatal   = 1
	exitGuestFatal  = 2
)

var log = logrus.NewEntry(logrus.StandardLogger())

func main() {
	app := &cli.App{
		Name:  "ph",
		Usage: "run one realm in a virtual machine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "realm", Usage: "realm manifest name or path", Required: true},
			&cli.StringFlag{Name: "home", Usage: "override the guest home directory mount source"},
			&cli.BoolFlag{Name: "root", Usage: "log in the guest as the root user"},
			&cli.StringFlag{Name: "kernel", Usage: "override the kernel image location"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitFor(err))
	}
}

// exitableError pairs an error with the process exit code it should
// produce, so run can return ordinary errors from cli.App.Run while
// main still picks the right code per spec.md §6.
type exitableError struct {
	err  error
	code int
}

func (e *exitableError) Error() string { return e.err.Error() }
func (e *exitableError) Unwrap() error { return e.err }

func exitFor(err error) int {
	var ee *exitableError
	if as(err, &ee) {
		return ee.code
	}
	return exitHostFatal
}

func as(err error, target **exitableError) bool {
	for err != nil {
		if ee, ok := err.(*exitableError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func run(c *cli.Context) error {
	realm, err := config.Load(c.String("realm"), c.String("kernel"), c.String("home"), c.Bool("root"))
	if err != nil {
		return &exitableError{err, exitHostFatal}
	}
	entry := log.WithField("realm", realm.Name)

	kernel, err := os.ReadFile(realm.Kernel)
	if err != nil {
		return &exitableError{fmt.Errorf("ph: read kernel %s: %w", realm.Kernel, err), exitHostFatal}
	}

	backend, err := blk.OpenFileBackend(realm.BlockImage)
	if err != nil {
		return &exitableError{err, exitHostFatal}
	}
	defer backend.Close()

	ninepConn, closeNinep := dialOrDiscardConn(entry, ninepSocketPath(realm))
	defer closeNinep()

	compositor, closeCompositor := dialOrDiscardCompositor(entry, waylandSocketPath(realm))
	defer closeCompositor()

	chardev, closeChardev := openChardevOrDiscard(entry)
	defer closeChardev()

	cfg := vm.Config{
		Kernel:         kernel,
		CommandLine:    commandLine(realm),
		RAMSize:        realm.MemoryMiB << 20,
		BlockBackend:   backend,
		PTY:            stdioPTY{},
		NinePTag:       "home",
		NinePServer:    ninepConn,
		Compositor:     compositor,
		WaylandChardev: chardev,
	}

	machine, err := vm.New(cfg, entry)
	if err != nil {
		return &exitableError{err, exitHostFatal}
	}
	defer machine.Close()

	installShutdownHandler(entry, machine)

	if err := machine.Run(); err != nil {
		var fatal *vcpu.FatalEvent
		if as2(err, &fatal) {
			entry.WithError(err).Error("guest reported a fatal condition")
			return &exitableError{err, exitGuestFatal}
		}
		return &exitableError{err, exitHostFatal}
	}

	return nil
}

// installShutdownHandler requests a graceful VM stop on the first
// SIGINT/SIGTERM and a hard kill on the second, matching spec.md §5's
// two-phase shutdown (drain workers, then force) and
// VirtualMachine.Stop's idempotent, call-count-gated behavior.
func installShutdownHandler(entry *logrus.Entry, machine *vm.VirtualMachine) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sig {
			entry.Info("ph: shutdown requested")
			machine.Stop()
		}
	}()
}

func as2(err error, target **vcpu.FatalEvent) bool {
	fe, ok := err.(*vcpu.FatalEvent)
	if !ok {
		return false
	}
	*target = fe
	return true
}

func commandLine(r *config.Realm) string {
	user := "user"
	if r.Root {
		user = "root"
	}
	return fmt.Sprintf("console=ttyS0 reboot=k panic=1 ph.user=%s ph.home=%s", user, r.Home)
}

// stdioPTY connects the guest's boot console and virtio-console device
// to the invoking terminal. The front-end that attaches a realm's
// session to a detached pty instead is out of this command's scope.
type stdioPTY struct{}

func (stdioPTY) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioPTY) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// discardChardev stands in for the host character-device ioctl surface
// when /dev/udmabuf is unavailable (kernel built without CONFIG_UDMABUF,
// or insufficient privilege): region requests succeed without backing
// memory, so a guest proxy that never actually maps the region still
// boots.
type discardChardev struct{}

func (discardChardev) AllocateRegion(id uint32, size uint64) error { return nil }
func (discardChardev) ReleaseRegion(id uint32) error               { return nil }

func openChardevOrDiscard(entry *logrus.Entry) (wayland.HostChardev, func()) {
	dev, err := wayland.OpenUdmabuf()
	if err != nil {
		entry.WithError(err).Warn("ph: udmabuf device unavailable, wayland shared-memory regions will be empty")
		return discardChardev{}, func() {}
	}
	return dev, func() { dev.Close() }
}

// discardCompositor satisfies wayland.Compositor when no compositor
// socket is reachable: writes are dropped, reads block forever rather
// than busy-looping, since nothing will ever complete them.
type discardCompositor struct {
	block chan struct{}
}

func newDiscardCompositor() *discardCompositor { return &discardCompositor{block: make(chan struct{})} }

func (d *discardCompositor) Write(p []byte) (int, error) { return len(p), nil }
func (d *discardCompositor) Read(p []byte) (int, error)  { <-d.block; return 0, nil }

func ninepSocketPath(r *config.Realm) string {
	return fmt.Sprintf("/run/ph/%s-9p.sock", r.Name)
}

// waylandSocketPath matches the location a realm's front-end, acting on
// SOMMELIER_DISPLAY and friends, is expected to bind the proxied
// compositor socket at; the environment variables themselves belong to
// that front-end, not the core.
func waylandSocketPath(r *config.Realm) string {
	return fmt.Sprintf("/run/ph/%s-wayland.sock", r.Name)
}

func dialOrDiscardConn(entry *logrus.Entry, path string) (net.Conn, func()) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		entry.WithError(err).WithField("socket", path).Warn("ph: 9p server socket unreachable, realm home tree will be empty")
		server, client := net.Pipe()
		server.Close()
		return client, func() { client.Close() }
	}
	return conn, func() { conn.Close() }
}

func dialOrDiscardCompositor(entry *logrus.Entry, path string) (wayland.Compositor, func()) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		entry.WithError(err).WithField("socket", path).Warn("ph: wayland compositor socket unreachable, guest display will be unavailable")
		d := newDiscardCompositor()
		return d, func() { close(d.block) }
	}
	return conn, func() { conn.Close() }
}
