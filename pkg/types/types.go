package types

import (
	"time"
)

// CProviderKind selects the container backend for a workspace deployment.
type CProviderKind string

const (
	CProviderDocker         CProviderKind = "docker"
	CProviderDockerRootless CProviderKind = "docker-rootless"
	CProviderPodman         CProviderKind = "podman"
	CProviderLXD            CProviderKind = "lxd"
	CProviderProxy          CProviderKind = "proxy"
)

// WDeployment is a workspace deployment: a persistently registered,
// shareable hardware configuration advertised to the upstream coordinator.
type WDeployment struct {
	ID            string                       `yaml:"id" json:"id"`
	Owner         string                       `yaml:"owner,omitempty" json:"owner,omitempty"`
	CProvider     CProviderKind                `yaml:"cprovider" json:"cprovider"`
	Image         string                       `yaml:"image,omitempty" json:"image,omitempty"`
	ContainerName string                       `yaml:"container_name,omitempty" json:"container_name,omitempty"`
	CArgs         []string                     `yaml:"cargs,omitempty" json:"cargs,omitempty"`
	RawDevices    []string                     `yaml:"raw_devices,omitempty" json:"raw_devices,omitempty"`
	InitInside    []string                     `yaml:"init_inside,omitempty" json:"init_inside,omitempty"`
	Terminate     []string                     `yaml:"terminate,omitempty" json:"terminate,omitempty"`
	Addons        map[string]map[string]string `yaml:"addons,omitempty" json:"addons,omitempty"`
	Locked        bool                         `yaml:"locked" json:"locked"`
}

// IDPrefix returns the short form of the WD id used in container and
// socket names.
func (wd *WDeployment) IDPrefix() string {
	if len(wd.ID) < 8 {
		return wd.ID
	}
	return wd.ID[:8]
}

// HasAddon reports whether the named add-on is configured on the WD.
func (wd *WDeployment) HasAddon(name string) bool {
	_, ok := wd.Addons[name]
	return ok
}

// Addon names recognized in WD configuration.
const (
	AddonCam        = "cam"
	AddonCmdSh      = "cmdsh"
	AddonVNC        = "vnc"
	AddonMistyProxy = "mistyproxy"
	AddonVSCode     = "vscode"
)

// InstanceState is the lifecycle state of an instance.
type InstanceState string

const (
	StateIdle        InstanceState = "IDLE"
	StateInit        InstanceState = "INIT"
	StateReady       InstanceState = "READY"
	StateTerminating InstanceState = "TERMINATING"
	StateInitFail    InstanceState = "INIT_FAIL"
	StateTerminated  InstanceState = "TERMINATED"
)

// Terminal reports whether the state admits no further transitions.
func (s InstanceState) Terminal() bool {
	return s == StateInitFail || s == StateTerminated
}

// validTransitions is the instance state machine. IDLE is both the start
// state and the post-cleanup resting state of the controller itself; an
// Instance never returns to IDLE, it is discarded.
var validTransitions = map[InstanceState][]InstanceState{
	StateIdle:        {StateInit},
	StateInit:        {StateReady, StateInitFail, StateTerminating},
	StateReady:       {StateTerminating},
	StateTerminating: {StateTerminated},
}

// ValidTransition reports whether the state machine permits from -> to.
func ValidTransition(from, to InstanceState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConnType tags how the remote user reaches the instance.
type ConnType string

const (
	ConnSSHTun ConnType = "sshtun"
	ConnProxy  ConnType = "proxy"
)

// Reason codes carried on terminal STATE frames and journal entries.
const (
	ReasonReleased      = "released"
	ReasonExpired       = "expired"
	ReasonVerifyFail    = "verify_fail"
	ReasonTransportLost = "transport_lost"
	ReasonTermCmd       = "terminate_command"
	ReasonShutdown      = "shutdown"
)

// Instance is a time-bounded allocation of a WD to a remote user. It lives
// entirely within one daemon run.
type Instance struct {
	ID            string
	WDeployment   string
	State         InstanceState
	ConnType      ConnType
	PublicKey     string
	ContainerID   string
	CreatedAt     time.Time
	Expiry        time.Time
	TerminalCause string
}

// Expired reports whether the instance has an expiry and it has passed.
func (inst *Instance) Expired(now time.Time) bool {
	return !inst.Expiry.IsZero() && now.After(inst.Expiry)
}
