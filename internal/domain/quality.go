package domain

import "time"

type QualityLevel string

const (
	QualityExcellent    QualityLevel = "excellent"
	QualityGood         QualityLevel = "good"
	QualityPoor         QualityLevel = "poor"
	QualityDisconnected QualityLevel = "disconnected"
)

// QualitySample is one per-peer measurement taken from connection stats.
type QualitySample struct {
	RTT        time.Duration `json:"rtt"`
	PacketLoss float64       `json:"packetLoss"` // fraction, 0..1
	Jitter     time.Duration `json:"jitter"`
	Bitrate    int64         `json:"bitrate"` // bits per second
	At         time.Time     `json:"at"`
}

// Classification thresholds. A sample is bucketed by its worst dimension.
const (
	rttExcellent  = 150 * time.Millisecond
	rttGood       = 400 * time.Millisecond
	lossExcellent = 0.01
	lossGood      = 0.05
)

// Classify buckets a window of samples into a quality level. An empty
// window means no sample has succeeded and reads as disconnected.
func Classify(window []QualitySample) QualityLevel {
	if len(window) == 0 {
		return QualityDisconnected
	}
	level := QualityExcellent
	for _, s := range window {
		l := classifyOne(s)
		if worse(l, level) {
			level = l
		}
	}
	return level
}

func classifyOne(s QualitySample) QualityLevel {
	switch {
	case s.RTT <= rttExcellent && s.PacketLoss <= lossExcellent:
		return QualityExcellent
	case s.RTT <= rttGood && s.PacketLoss <= lossGood:
		return QualityGood
	default:
		return QualityPoor
	}
}

var qualityRank = map[QualityLevel]int{
	QualityExcellent:    0,
	QualityGood:         1,
	QualityPoor:         2,
	QualityDisconnected: 3,
}

func worse(a, b QualityLevel) bool { return qualityRank[a] > qualityRank[b] }
