package domain

import "strings"

// VideoState is the host-authoritative playback state. The guest holds a
// replica reconciled by the sync controller's drift policy.
type VideoState struct {
	VideoID     string  `json:"videoId"`
	CurrentTime float64 `json:"currentTime"` // seconds
	IsPlaying   bool    `json:"isPlaying"`
}

func (s *VideoState) Valid() bool {
	return s.VideoID != "" && s.CurrentTime >= 0
}

// ChatMessage carries a display name, not a participant id; name collisions
// are acceptable. Timestamp is the sender's local clock in unix milliseconds
// and is used for display ordering only.
type ChatMessage struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

func (m *ChatMessage) Valid() bool {
	return strings.TrimSpace(m.Text) != "" && m.Sender != ""
}
