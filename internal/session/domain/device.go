package domain

import "time"

// Device is the client presenting a session. A session has at most one.
type Device struct {
	SessionID   string
	Fingerprint string
	UserAgent   string
	IPAddress   string
	Location    string
	IsTrusted   bool
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// DeviceInfo is what a caller observed about the client on a request.
type DeviceInfo struct {
	Fingerprint string
	UserAgent   string
	IPAddress   string
	Location    string
}

// Observe returns d updated with info at now, or a new Device when d is nil.
// Trust is carried over; it changes only through an explicit trust call.
func (d *Device) Observe(sessionID string, info DeviceInfo, now time.Time) *Device {
	out := &Device{SessionID: sessionID, FirstSeenAt: now, LastSeenAt: now}
	if d != nil {
		*out = *d
		out.LastSeenAt = now
	}
	if info.Fingerprint != "" {
		out.Fingerprint = info.Fingerprint
	}
	if info.UserAgent != "" {
		out.UserAgent = info.UserAgent
	}
	if info.IPAddress != "" {
		out.IPAddress = info.IPAddress
	}
	if info.Location != "" {
		out.Location = info.Location
	}
	return out
}
