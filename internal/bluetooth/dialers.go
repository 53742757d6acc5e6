package bluetooth

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mironalin/carsense/internal/obd"
)

// Dialers probes the host once and returns the Bluetooth socket strategies in
// preference order: the BlueZ SPP profile, then a raw RFCOMM channel socket.
// The cleanup func unregisters the profile.
func Dialers(adapter string, channel uint8, readTimeout time.Duration, log *logrus.Entry) ([]obd.Dialer, func()) {
	if log == nil {
		log = logrus.WithField("component", "bluetooth")
	}
	var dialers []obd.Dialer
	cleanup := func() {}

	spp := NewSPPDialer(adapter, readTimeout, log)
	if spp.Available() {
		dialers = append(dialers, spp)
		cleanup = func() {
			if err := spp.Close(); err != nil {
				log.WithError(err).Debug("unregister SPP profile")
			}
		}
	} else {
		log.Info("bluetoothd not reachable, SPP profile dialer disabled")
	}

	if rfcommSupported() {
		dialers = append(dialers, RFCOMMDialer{Channel: channel, ReadTimeout: readTimeout})
	} else {
		log.Info("kernel has no RFCOMM sockets, channel dialer disabled")
	}
	return dialers, cleanup
}
