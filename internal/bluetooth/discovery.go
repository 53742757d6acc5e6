package bluetooth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Device is a remote device known to BlueZ.
type Device struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Paired    bool   `json:"paired"`
	Connected bool   `json:"connected"`
	SPP       bool   `json:"spp"`
	RSSI      int16  `json:"rssi,omitempty"`
}

// Discoverer lists devices through BlueZ's object manager.
type Discoverer struct {
	Adapter string
	log     *logrus.Entry
	conn    *dbus.Conn
}

func NewDiscoverer(adapter string, log *logrus.Entry) *Discoverer {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	if log == nil {
		log = logrus.WithField("component", "bluetooth")
	}
	return &Discoverer{Adapter: adapter, log: log}
}

func (d *Discoverer) bus() (*dbus.Conn, error) {
	if d.conn != nil {
		return d.conn, nil
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluetooth: system bus: %w", err)
	}
	d.conn = conn
	return conn, nil
}

// Devices returns the devices BlueZ already knows about: paired ones and
// anything seen by a recent scan.
func (d *Discoverer) Devices(ctx context.Context) ([]Device, error) {
	conn, err := d.bus()
	if err != nil {
		return nil, err
	}
	objects, err := getManagedObjects(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("bluetooth: list devices: %w", err)
	}
	return devicesFromObjects(d.Adapter, objects), nil
}

// Scan runs discovery on the adapter for window and then lists devices.
func (d *Discoverer) Scan(ctx context.Context, window time.Duration) ([]Device, error) {
	conn, err := d.bus()
	if err != nil {
		return nil, err
	}
	adapter := conn.Object(bluezBus, dbus.ObjectPath("/org/bluez/"+d.Adapter))
	if call := adapter.CallWithContext(ctx, bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return nil, fmt.Errorf("bluetooth: start discovery on %s: %w", d.Adapter, call.Err)
	}
	d.log.Debugf("scanning on %s for %s", d.Adapter, window)

	t := time.NewTimer(window)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}
	if call := adapter.Call(bluezAdapter1+".StopDiscovery", 0); call.Err != nil {
		d.log.WithError(call.Err).Debug("stop discovery")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Devices(ctx)
}

func devicesFromObjects(adapter string, objects managedObjects) []Device {
	prefix := "/org/bluez/" + adapter + "/"
	devices := []Device{}
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		dev := Device{
			Name:      variantString(props, "Alias"),
			Address:   strings.ToUpper(variantString(props, "Address")),
			Paired:    variantBool(props, "Paired"),
			Connected: variantBool(props, "Connected"),
		}
		if dev.Name == "" {
			dev.Name = variantString(props, "Name")
		}
		if v, ok := props["RSSI"]; ok {
			if rssi, ok := v.Value().(int16); ok {
				dev.RSSI = rssi
			}
		}
		if v, ok := props["UUIDs"]; ok {
			if uuids, ok := v.Value().([]string); ok {
				for _, u := range uuids {
					if strings.EqualFold(u, SPPUUID) {
						dev.SPP = true
						break
					}
				}
			}
		}
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].SPP != devices[j].SPP {
			return devices[i].SPP
		}
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].Address < devices[j].Address
	})
	return devices
}
