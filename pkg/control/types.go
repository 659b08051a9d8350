package control

const (
	PathBind     = "/bind"
	PathUnbind   = "/unbind"
	PathExpose   = "/expose"
	PathUnexpose = "/unexpose"
	PathBound    = "/bound"
	PathExposed  = "/exposed"
	PathKnown    = "/known"
	PathMetrics  = "/metrics"
)

type BindRequest struct {
	Target string `json:"target" example:"alice"`
	// Remote is the optional ip:port of the target, skipping resolution
	Remote string `json:"remote,omitempty" example:"203.0.113.1:7777"`
	// Local is the optional tunnel address to use
	Local string `json:"local,omitempty" example:"192.168.1.50"`
}

type UnbindRequest struct {
	Target string `json:"target" example:"alice"`
}

type PortRequest struct {
	Port uint16 `json:"port" example:"8080"`
}

type RememberRequest struct {
	Identity string `json:"identity" example:"alice"`
	Address  string `json:"address" example:"203.0.113.1:7777"`
}
