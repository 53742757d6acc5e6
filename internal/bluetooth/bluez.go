package bluetooth

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus            = "org.bluez"
	bluezRoot           = dbus.ObjectPath("/org/bluez")
	bluezAdapter1       = "org.bluez.Adapter1"
	bluezDevice1        = "org.bluez.Device1"
	bluezProfile1       = "org.bluez.Profile1"
	bluezProfileManager = "org.bluez.ProfileManager1"
	dbusObjectManager   = "org.freedesktop.DBus.ObjectManager"

	// SPPUUID is the Serial Port Profile service class used by ELM327 adapters.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultAdapter is the first local controller.
	DefaultAdapter = "hci0"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func getManagedObjects(ctx context.Context, conn *dbus.Conn) (managedObjects, error) {
	var objects managedObjects
	call := conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// bluezRunning reports whether bluetoothd owns its bus name.
func bluezRunning(conn *dbus.Conn) bool {
	var has bool
	err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, bluezBus).Store(&has)
	return err == nil && has
}

func variantString(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func variantBool(props map[string]dbus.Variant, key string) bool {
	if v, ok := props[key]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}
