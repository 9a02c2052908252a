package link

import (
	"context"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// Iface toggles IFF_UP of a network interface. Needs CAP_NET_ADMIN for Begin/Disconnect.
type Iface struct {
	name string
}

func NewIface(name string) *Iface { return &Iface{name: name} }

func (self *Iface) Begin(ctx context.Context) error {
	return self.update(func(f uint16) uint16 { return f | unix.IFF_UP })
}

func (self *Iface) Connected(ctx context.Context) (bool, error) {
	flags, err := self.flags()
	if err != nil {
		return false, err
	}
	const want = unix.IFF_UP | unix.IFF_RUNNING
	return flags&want == want, nil
}

func (self *Iface) Disconnect() error {
	return self.update(func(f uint16) uint16 { return f &^ unix.IFF_UP })
}

func (self *Iface) flags() (uint16, error) {
	fd, err := socket()
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(self.name)
	if err != nil {
		return 0, errors.Annotatef(err, "iface=%s", self.name)
	}
	if err = unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, errors.Annotatef(err, "iface=%s SIOCGIFFLAGS", self.name)
	}
	return ifr.Uint16(), nil
}

func (self *Iface) update(fun func(uint16) uint16) error {
	fd, err := socket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(self.name)
	if err != nil {
		return errors.Annotatef(err, "iface=%s", self.name)
	}
	if err = unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return errors.Annotatef(err, "iface=%s SIOCGIFFLAGS", self.name)
	}
	ifr.SetUint16(fun(ifr.Uint16()))
	if err = unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return errors.Annotatef(err, "iface=%s SIOCSIFFLAGS", self.name)
	}
	return nil
}

func socket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	return fd, errors.Annotate(err, "socket")
}
