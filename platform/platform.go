// Package platform holds the system queries a decoding session consults at
// setup: device identification, local address and permissions.
package platform

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Info answers the platform queries made at session setup.
type Info interface {
	DeviceModel() string
	LocalIP() net.IP
	// RequestMicrophonePermission asks for microphone access and reports
	// whether it is granted.
	RequestMicrophonePermission() bool
}

// probeAddr is only used to pick the outbound interface; nothing is sent.
const probeAddr = "192.0.2.1:9"

// Desktop is the Info of a wired, desktop-hosted headset.
type Desktop struct{}

func (Desktop) DeviceModel() string {
	return "Wired headset"
}

// LocalIP returns the address of the interface routing to the outside, or
// the unspecified address when there is none.
func (Desktop) LocalIP() net.IP {
	conn, err := net.Dial("udp4", probeAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Desktop.LocalIP",
			"error":    err.Error(),
		}).Debug("No route to determine local address")
		return net.IPv4zero
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return net.IPv4zero
	}
	return addr.IP
}

func (Desktop) RequestMicrophonePermission() bool {
	return true
}

// Static is an Info with fixed answers.
type Static struct {
	Model      string
	IP         net.IP
	Microphone bool
}

func (s Static) DeviceModel() string               { return s.Model }
func (s Static) LocalIP() net.IP                   { return s.IP }
func (s Static) RequestMicrophonePermission() bool { return s.Microphone }

// Describe logs the platform answers and returns them as log fields.
func Describe(info Info) logrus.Fields {
	fields := logrus.Fields{
		"device_model": info.DeviceModel(),
		"local_ip":     info.LocalIP().String(),
		"microphone":   info.RequestMicrophonePermission(),
	}
	logrus.WithFields(fields).Info("Platform information")
	return fields
}
