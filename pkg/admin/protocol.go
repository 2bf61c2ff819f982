package admin

import (
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
)

// Commands accepted on the admin socket.
const (
	CmdStatus            = "status"
	CmdStopAd            = "stop-ad"
	CmdReloadConfig      = "reload-config"
	CmdLock              = "lock"
	CmdUnlock            = "unlock"
	CmdAttachCamera      = "attach-camera"
	CmdStopCameras       = "stop-cameras"
	CmdTerminateInstance = "terminate-instance"
	CmdMonitor           = "monitor"
)

// Request is one admin call.
type Request struct {
	Cmd string `json:"cmd"`

	// WDeployment scopes the request when the socket serves one WD; it
	// is filled by the server from the socket identity if empty.
	WDeployment string `json:"wd,omitempty"`

	// Camera parameters for attach-camera.
	CameraDevice string           `json:"camera_device,omitempty"`
	CameraCrops  map[string][]int `json:"camera_crops,omitempty"`
}

// Response is the single-line reply.
type Response struct {
	OK      bool        `json:"ok"`
	Err     string      `json:"err,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// StatusPayload is the response body for the status command.
type StatusPayload struct {
	WDeployment string `json:"wd"`
	Locked      bool   `json:"locked"`
	State       string `json:"state"`
	Instance    string `json:"instance,omitempty"`
	Connected   bool   `json:"upstream_connected"`
}

// SocketDir returns the directory holding admin sockets.
func SocketDir() string {
	d := xdg.New("", "hardshare")
	return filepath.Join(d.CacheHome(), "sock")
}

// SocketPath returns the admin socket path for a WD id prefix.
func SocketPath(wdPrefix string) string {
	return filepath.Join(SocketDir(), "hardshare."+wdPrefix+".sock")
}
