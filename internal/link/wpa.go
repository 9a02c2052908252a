package link

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/guardian/log2"
)

const wpaRequestTimeout = 2 * time.Second

var wpaSeq uint32

// WPA talks to wpa_supplicant control interface.
// Every request uses its own datagram socket, there is no ATTACH so no unsolicited events.
type WPA struct {
	log      *log2.Log
	ctrlPath string
	localDir string
	ssid     string
	psk      string
	network  string // id assigned by ADD_NETWORK
}

func NewWPA(log *log2.Log, ctrlPath, localDir, ssid, psk string) *WPA {
	return &WPA{
		log:      log,
		ctrlPath: ctrlPath,
		localDir: localDir,
		ssid:     ssid,
		psk:      psk,
	}
}

// Begin adds configured network once and selects it. Network that failed to configure is removed.
// Without ssid, supplicant own configuration is reused via RECONNECT.
func (self *WPA) Begin(ctx context.Context) error {
	if self.ssid == "" {
		return self.expectOK(ctx, "RECONNECT")
	}
	if self.network == "" {
		id, err := self.Request(ctx, "ADD_NETWORK")
		if err != nil {
			return errors.Annotate(err, "wpa add network")
		}
		id = strings.TrimSpace(id)
		if id == "" || id == "FAIL" {
			return errors.Errorf("wpa add network response=%q", id)
		}
		cmds := []string{fmt.Sprintf("SET_NETWORK %s ssid %q", id, self.ssid)}
		if self.psk == "" {
			cmds = append(cmds, fmt.Sprintf("SET_NETWORK %s key_mgmt NONE", id))
		} else {
			cmds = append(cmds, fmt.Sprintf("SET_NETWORK %s psk %q", id, self.psk))
		}
		cmds = append(cmds, fmt.Sprintf("ENABLE_NETWORK %s", id))
		for _, cmd := range cmds {
			if err := self.expectOK(ctx, cmd); err != nil {
				// half configured network must not pile up in supplicant
				if rerr := self.expectOK(context.Background(), "REMOVE_NETWORK "+id); rerr != nil {
					self.log.Errorf("wpa network=%s remove err=%v", id, rerr)
				}
				return err
			}
		}
		self.network = id
	}
	return self.expectOK(ctx, "SELECT_NETWORK "+self.network)
}

func (self *WPA) Connected(ctx context.Context) (bool, error) {
	status, err := self.Request(ctx, "STATUS")
	if err != nil {
		return false, errors.Annotate(err, "wpa status")
	}
	state := ""
	s := bufio.NewScanner(strings.NewReader(status))
	for s.Scan() {
		if v := strings.TrimPrefix(s.Text(), "wpa_state="); v != s.Text() {
			state = v
			break
		}
	}
	self.log.Debugf("wpa state=%s", state)
	return state == "COMPLETED", nil
}

func (self *WPA) Disconnect() error {
	return self.expectOK(context.Background(), "DISCONNECT")
}

func (self *WPA) expectOK(ctx context.Context, cmd string) error {
	r, err := self.Request(ctx, cmd)
	if err != nil {
		return errors.Annotatef(err, "wpa %s", cmdVerb(cmd))
	}
	if strings.TrimSpace(r) != "OK" {
		return errors.Errorf("wpa %s response=%q", cmdVerb(cmd), strings.TrimSpace(r))
	}
	return nil
}

// Request sends one command and returns raw response.
func (self *WPA) Request(ctx context.Context, cmd string) (string, error) {
	local := filepath.Join(self.localDir, fmt.Sprintf("guardian-wpa-%d-%d", os.Getpid(), atomic.AddUint32(&wpaSeq, 1)))
	laddr := &net.UnixAddr{Name: local, Net: "unixgram"}
	raddr := &net.UnixAddr{Name: self.ctrlPath, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		return "", errors.Annotatef(err, "dial ctrl=%s", self.ctrlPath)
	}
	defer os.Remove(local)
	defer conn.Close()

	deadline := time.Now().Add(wpaRequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = conn.SetDeadline(deadline); err != nil {
		return "", errors.Trace(err)
	}
	self.log.Debugf("wpa > %s", cmdVerb(cmd))
	if _, err = conn.Write([]byte(cmd)); err != nil {
		return "", errors.Trace(err)
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(buf[:n]), nil
}

// psk must not reach logs
func cmdVerb(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) >= 3 && fields[0] == "SET_NETWORK" {
		return strings.Join(fields[:3], " ")
	}
	return cmd
}
