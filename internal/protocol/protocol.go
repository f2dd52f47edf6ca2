package protocol

import "encoding/json"

// Message types exchanged with display widgets.
const (
	TypeUpdateMetrics = "update_metrics"
	TypeClose         = "close"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// MetricsData is the public view of the environment metrics. The threshold
// marker is internal bookkeeping and is never sent to widgets.
type MetricsData struct {
	AirPollution   float64 `json:"airPollution"`
	CarbonEmission float64 `json:"carbonEmission"`
	RecyclingRate  float64 `json:"recyclingRate"`
}

// UpdateMetricsMsg (server -> widget)
type UpdateMetricsMsg struct {
	Type string      `json:"type"`
	Data MetricsData `json:"data"`
}

// CloseMsg (widget -> server)
type CloseMsg struct {
	Type string `json:"type"`
}

func NewUpdateMetrics(d MetricsData) UpdateMetricsMsg {
	return UpdateMetricsMsg{Type: TypeUpdateMetrics, Data: d}
}

func EncodeUpdateMetrics(d MetricsData) ([]byte, error) {
	return json.Marshal(NewUpdateMetrics(d))
}

// IsClose reports whether raw is a close request. Malformed payloads are not.
func IsClose(raw []byte) bool {
	base, err := DecodeBase(raw)
	return err == nil && base.Type == TypeClose
}
