package session

// Message is the envelope of every websocket message in both directions.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Outbound message types.
const (
	TypeConnected     = "connected"
	TypeEmotionUpdate = "emotion_update"
	TypeVADAnalysis   = "vad_analysis"
	TypeStatusUpdate  = "status_update"
	TypePong          = "pong"
	TypeError         = "error"
)

// Error codes carried in [ErrorData].
const (
	CodeClassifierError = "CLASSIFIER_ERROR"
	CodeParseError      = "PARSE_ERROR"
	CodeInvalidState    = "INVALID_STATE"
	CodeUnknownType     = "UNKNOWN_TYPE"
	CodeAudioError      = "AUDIO_ERROR"
)

// ErrorData is the payload of an error message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectedData is the payload of a connected message.
type ConnectedData struct {
	Channel   Channel `json:"channel"`
	SessionID string  `json:"sessionId"`
}

// StatusData is the payload of a status_update message.
type StatusData struct {
	Status   Status `json:"status"`
	Counts   Counts `json:"counts"`
	Duration string `json:"duration"`
}

// StatusMessage builds a status_update for s.
func StatusMessage(s *Session) Message {
	info := s.Info()
	return Message{Type: TypeStatusUpdate, Data: StatusData{
		Status:   info.Status,
		Counts:   info.Counts,
		Duration: info.Duration,
	}}
}

// ErrorMessage builds an error message.
func ErrorMessage(code, msg string) Message {
	return Message{Type: TypeError, Data: ErrorData{Code: code, Message: msg}}
}
