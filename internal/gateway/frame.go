package gateway

import (
	"crypto/rand"
	"encoding/hex"
)

// Client opcodes. Dispatch and Hello are server to client only; a client sending either is closed with
// CloseUnknownOpcode.
const (
	OpDispatch = 0
	OpHello    = 1
	OpIdentify = 2
	OpResume   = 6
)

// HelloData is the op 1 payload sent immediately after the upgrade. The rate limit is advisory: it tells the client
// how many frames per minute the server expects.
type HelloData struct {
	RateLimit int `json:"rate_limit" msgpack:"rate_limit"`
}

// ConnectionProperties describes the identifying client. Only os, browser, and device are mandatory; everything else
// is analytics surface the client may omit.
type ConnectionProperties struct {
	OS                string `json:"os" msgpack:"os"`
	Browser           string `json:"browser" msgpack:"browser"`
	BrowserUserAgent  string `json:"browser_user_agent" msgpack:"browser_user_agent"`
	ClientBuildNumber int    `json:"client_build_number" msgpack:"client_build_number"`
	ClientVersion     string `json:"client_version" msgpack:"client_version"`
	Device            string `json:"device" msgpack:"device"`
	Distro            string `json:"distro" msgpack:"distro"`
	OSArch            string `json:"os_arch" msgpack:"os_arch"`
	OSVersion         string `json:"os_version" msgpack:"os_version"`
	Referrer          string `json:"referrer" msgpack:"referrer"`
	ReferringDomain   string `json:"referring_domain" msgpack:"referring_domain"`
	ReleaseChannel    string `json:"release_channel" msgpack:"release_channel"`
	WindowManager     string `json:"window_manager" msgpack:"window_manager"`
}

// Validate checks the mandatory property fields and the enumerated ones.
func (p ConnectionProperties) Validate() bool {
	switch p.OS {
	case "linux", "darwin", "windows":
	default:
		return false
	}
	switch p.ReleaseChannel {
	case "", "stable", "canary", "devel":
	default:
		return false
	}
	return p.Browser != "" && p.Device != ""
}

// ClientStatus maps the reported device to the client_status stored with the user's presence.
func (p ConnectionProperties) ClientStatus() string {
	switch p.Device {
	case "Discend Mobile":
		return "mobile"
	case "Discend Web":
		return "web"
	case "Discend Desktop":
		return "desktop"
	default:
		return "unknown"
	}
}

// IdentifyData is the op 2 payload. Intents is a 64-bit bitfield selecting the event families the connection wants.
type IdentifyData struct {
	Token      string               `json:"token" msgpack:"token"`
	Intents    uint64               `json:"intents" msgpack:"intents"`
	Properties ConnectionProperties `json:"properties" msgpack:"properties"`
}

// Validate reports whether the identify payload is well formed. Token validity is checked separately against the
// store; this only guards shape.
func (d IdentifyData) Validate() bool {
	return d.Token != "" && d.Properties.Validate()
}

// ResumeData is the op 6 payload. Seq is the last sequence number the client received on its previous connection.
type ResumeData struct {
	Token     string `json:"token" msgpack:"token"`
	SessionID string `json:"session_id" msgpack:"session_id"`
	Seq       uint64 `json:"seq" msgpack:"seq"`
}

// Validate reports whether the resume payload is well formed.
func (d ResumeData) Validate() bool {
	return d.Token != "" && d.SessionID != ""
}

// NewSessionID generates a 160-bit random session identifier, hex encoded. The id doubles as the resume credential,
// so it must not be guessable.
func NewSessionID() string {
	b := make([]byte, 20)
	rand.Read(b)
	return hex.EncodeToString(b)
}
