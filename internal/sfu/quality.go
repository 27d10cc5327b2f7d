package sfu

// NetworkStats is a peer's transport-reported link quality.
type NetworkStats struct {
	RTTMs       float64
	LossPercent float64
	JitterMs    float64
}

// QualityAction is the advisory output of the quality monitor; the
// application's encoding logic consumes it.
type QualityAction string

const (
	ActionNone            QualityAction = "none"
	ActionReduceQuality   QualityAction = "reduce_quality"
	ActionReduceFramerate QualityAction = "reduce_framerate"
	ActionAudioOnly       QualityAction = "audio_only"
)

// PeerQuality pairs stats with the advised action.
type PeerQuality struct {
	Stats  NetworkStats
	Action QualityAction
}

// AdviseAction maps link stats to an advisory action. Thresholds are
// deliberately coarse: the consumer smooths over time.
func AdviseAction(s NetworkStats) QualityAction {
	switch {
	case s.LossPercent >= 15 || s.RTTMs >= 800:
		return ActionAudioOnly
	case s.LossPercent >= 8 || s.RTTMs >= 400 || s.JitterMs >= 100:
		return ActionReduceFramerate
	case s.LossPercent >= 3 || s.RTTMs >= 200 || s.JitterMs >= 50:
		return ActionReduceQuality
	default:
		return ActionNone
	}
}
