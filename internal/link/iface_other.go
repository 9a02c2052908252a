//go:build !linux

package link

import (
	"context"

	"github.com/juju/errors"
)

type Iface struct {
	name string
}

func NewIface(name string) *Iface { return &Iface{name: name} }

func (self *Iface) Begin(ctx context.Context) error {
	return errors.NotSupportedf("iface driver on this OS")
}
func (self *Iface) Connected(ctx context.Context) (bool, error) {
	return false, errors.NotSupportedf("iface driver on this OS")
}
func (self *Iface) Disconnect() error { return errors.NotSupportedf("iface driver on this OS") }
