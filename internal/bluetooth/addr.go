package bluetooth

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

var addrRe = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Address is a Bluetooth device address in display order (most significant
// byte first).
type Address [6]byte

// ParseAddress accepts the colon separated form, e.g. 00:1D:A5:68:98:8B.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if !addrRe.MatchString(s) {
		return a, fmt.Errorf("bluetooth: invalid address %q", s)
	}
	for i, part := range strings.Split(s, ":") {
		b, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return a, fmt.Errorf("bluetooth: invalid address %q: %w", s, err)
		}
		a[i] = byte(b)
	}
	return a, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// DevicePath is the BlueZ object path of the device on adapter, e.g.
// /org/bluez/hci0/dev_00_1D_A5_68_98_8B.
func (a Address) DevicePath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(a.String(), ":", "_"))
}

// reversed is the little endian byte order the kernel expects in sockaddr_rc.
func (a Address) reversed() [6]uint8 {
	var r [6]uint8
	for i := range a {
		r[i] = a[5-i]
	}
	return r
}
