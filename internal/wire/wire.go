// Package wire defines the JSON messages exchanged with clients over the
// transport channel. Every message carries a "type" discriminator; one struct
// per message, with constructors that set the type and, where applicable, the
// timestamp. Timestamps are Unix seconds as float64 to match existing clients.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound message types (client → server).
const (
	TypeInitSettings   = "init_settings"
	TypeAudioChunk     = "audio_chunk"
	TypeLanguageUpdate = "language_update"
	TypeControl        = "control"
	TypePing           = "ping"
	TypeWebRTCOffer    = "webrtc_offer"
	TypeWebRTCAnswer   = "webrtc_answer"
	TypeWebRTCICE      = "webrtc_ice"
)

// Outbound message types (server → client).
const (
	TypeConnected          = "connected"
	TypeParticipantJoined  = "participant_joined"
	TypeParticipantLeft    = "participant_left"
	TypePartialTranscript  = "partial_transcript"
	TypePartialTranslation = "partial_translation"
	TypeTranslatedAudio    = "translated_audio"
	TypeLanguageUpdated    = "language_updated"
	TypeTranslationError   = "translation_error"
	TypeMuteStatus         = "mute_status"
	TypeTranslationStatus  = "translation_status"
	TypePong               = "pong"
)

// Control actions accepted in a Control message.
const (
	ActionMute              = "mute"
	ActionUnmute            = "unmute"
	ActionPauseTranslation  = "pause_translation"
	ActionResumeTranslation = "resume_translation"
)

// Pipeline stages reported in a TranslationError message.
const (
	StageASR = "asr"
	StageMT  = "mt"
	StageTTS = "tts"
)

// EncodingPCM16 is the only audio encoding emitted by the relay.
const EncodingPCM16 = "pcm_s16le"

// ErrUnknownType is returned by Decode for messages whose type string is not
// part of the inbound protocol.
var ErrUnknownType = errors.New("unknown message type")

// Timestamp returns the current time as Unix seconds with sub-second
// precision, the timestamp representation used on the wire.
func Timestamp() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// ---- inbound ------------------------------------------------------------

// InitSettings carries the client's initial language preferences. Receiving
// it starts deferred processing.
type InitSettings struct {
	Type                 string   `json:"type"`
	InputLanguage        string   `json:"input_language"`
	OutputLanguage       string   `json:"output_language"`
	SpeaksLanguages      []string `json:"speaks_languages"`
	UnderstandsLanguages []string `json:"understands_languages"`
}

// AudioChunk carries one frame of microphone audio. AudioData is base64 raw
// PCM s16le 16 kHz mono, optionally wrapped in a data URL.
type AudioChunk struct {
	Type      string `json:"type"`
	AudioData string `json:"audio_data"`
}

// LanguageUpdate changes the client's language preferences mid-session.
// The speaks/understands lists are optional; nil means "leave unchanged".
type LanguageUpdate struct {
	Type                 string   `json:"type"`
	InputLanguage        string   `json:"input_language"`
	OutputLanguage       string   `json:"output_language"`
	SpeaksLanguages      []string `json:"speaks_languages,omitempty"`
	UnderstandsLanguages []string `json:"understands_languages,omitempty"`
}

// Control toggles the speaker's processing state. Mute/unmute stop and start
// the pipeline; pause/resume only flip a flag reported back to the client.
type Control struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// Ping is answered with a Pong.
type Ping struct {
	Type string `json:"type"`
}

// WebRTCSignal is opaque peer-to-peer signaling. The relay stamps
// FromUserID and forwards the message to the target user without
// interpreting the payload.
type WebRTCSignal struct {
	Type         string          `json:"type"`
	TargetUserID string          `json:"target_user_id"`
	FromUserID   string          `json:"from_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// ---- outbound -----------------------------------------------------------

// Connected acknowledges a successful join.
type Connected struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}

// NewConnected builds the join acknowledgement.
func NewConnected(userID, roomID string) Connected {
	return Connected{
		Type:    TypeConnected,
		UserID:  userID,
		RoomID:  roomID,
		Message: fmt.Sprintf("connected to room %s", roomID),
	}
}

// Participant is one member entry in a membership snapshot. Name mirrors
// FullName when set, otherwise Username; older clients read only Name.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Name     string `json:"name"`
}

// ParticipantChange announces a join or leave together with the room's
// current membership snapshot.
type ParticipantChange struct {
	Type         string        `json:"type"`
	UserID       string        `json:"user_id"`
	Participants []Participant `json:"participants"`
}

// NewParticipantJoined builds a participant_joined broadcast.
func NewParticipantJoined(userID string, participants []Participant) ParticipantChange {
	return ParticipantChange{Type: TypeParticipantJoined, UserID: userID, Participants: participants}
}

// NewParticipantLeft builds a participant_left broadcast.
func NewParticipantLeft(userID string, participants []Participant) ParticipantChange {
	return ParticipantChange{Type: TypeParticipantLeft, UserID: userID, Participants: participants}
}

// PartialTranscript carries the speaker's recognized words, broadcast to the
// room as a UI hint.
type PartialTranscript struct {
	Type      string  `json:"type"`
	UserID    string  `json:"user_id"`
	Text      string  `json:"text"`
	Language  string  `json:"language"`
	Timestamp float64 `json:"timestamp"`
}

// NewPartialTranscript builds a partial_transcript broadcast.
func NewPartialTranscript(userID, text, language string) PartialTranscript {
	return PartialTranscript{
		Type:      TypePartialTranscript,
		UserID:    userID,
		Text:      text,
		Language:  language,
		Timestamp: Timestamp(),
	}
}

// PartialTranslation carries a listener's translated text ahead of the audio,
// as a UI hint.
type PartialTranslation struct {
	Type       string  `json:"type"`
	FromUserID string  `json:"from_user_id"`
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Timestamp  float64 `json:"timestamp"`
}

// NewPartialTranslation builds a partial_translation message.
func NewPartialTranslation(fromUserID, text, language string) PartialTranslation {
	return PartialTranslation{
		Type:       TypePartialTranslation,
		FromUserID: fromUserID,
		Text:       text,
		Language:   language,
		Timestamp:  Timestamp(),
	}
}

// AudioPayload is the audio body of a TranslatedAudio message.
type AudioPayload struct {
	Data       string `json:"data"` // base64 s16le
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// TranslatedAudio delivers one synthesized delta to a listener. AudioData is
// a deprecated byte-identical mirror of Audio.Data kept for older clients.
type TranslatedAudio struct {
	Type             string       `json:"type"`
	UserID           string       `json:"user_id"` // the speaker
	Seq              uint64       `json:"seq"`
	Audio            AudioPayload `json:"audio"`
	AudioData        string       `json:"audio_data"`
	OriginalText     string       `json:"original_text"`
	DetectedLanguage string       `json:"detected_language"`
	Text             string       `json:"text"`
	Language         string       `json:"language"`
	VoiceFallback    bool         `json:"voice_fallback"`
	Timestamp        float64      `json:"timestamp"`
}

// NewTranslatedAudio builds a translated_audio message. data is the
// base64-encoded s16le payload at sampleRate.
func NewTranslatedAudio(speakerID string, seq uint64, data string, sampleRate int, originalText, detectedLang, text, language string, voiceFallback bool) TranslatedAudio {
	return TranslatedAudio{
		Type:   TypeTranslatedAudio,
		UserID: speakerID,
		Seq:    seq,
		Audio: AudioPayload{
			Data:       data,
			Encoding:   EncodingPCM16,
			SampleRate: sampleRate,
		},
		AudioData:        data,
		OriginalText:     originalText,
		DetectedLanguage: detectedLang,
		Text:             text,
		Language:         language,
		VoiceFallback:    voiceFallback,
		Timestamp:        Timestamp(),
	}
}

// LanguageUpdated acknowledges a LanguageUpdate.
type LanguageUpdated struct {
	Type           string `json:"type"`
	InputLanguage  string `json:"input_language"`
	OutputLanguage string `json:"output_language"`
	Message        string `json:"message"`
}

// NewLanguageUpdated builds the language_update acknowledgement.
func NewLanguageUpdated(inputLang, outputLang string) LanguageUpdated {
	return LanguageUpdated{
		Type:           TypeLanguageUpdated,
		InputLanguage:  inputLang,
		OutputLanguage: outputLang,
		Message:        "language preferences updated",
	}
}

// TranslationError reports a model-level failure to the speaker. Stage is one
// of StageASR, StageMT, StageTTS.
type TranslationError struct {
	Type    string `json:"type"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// NewTranslationError builds a translation_error message.
func NewTranslationError(stage, message string) TranslationError {
	return TranslationError{Type: TypeTranslationError, Stage: stage, Message: message}
}

// MuteStatus acknowledges a mute/unmute control.
type MuteStatus struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

// NewMuteStatus builds a mute_status acknowledgement.
func NewMuteStatus(muted bool) MuteStatus {
	return MuteStatus{Type: TypeMuteStatus, Muted: muted}
}

// TranslationStatus acknowledges a pause/resume control.
type TranslationStatus struct {
	Type   string `json:"type"`
	Paused bool   `json:"paused"`
}

// NewTranslationStatus builds a translation_status acknowledgement.
func NewTranslationStatus(paused bool) TranslationStatus {
	return TranslationStatus{Type: TypeTranslationStatus, Paused: paused}
}

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
}

// NewPong builds a pong message.
func NewPong() Pong {
	return Pong{Type: TypePong}
}

// ---- decoding -----------------------------------------------------------

// envelope is used to peek at the type discriminator before a full decode.
type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound frame and returns the corresponding message
// struct. Unknown types return an error wrapping ErrUnknownType; outbound
// types arriving from a client are treated as unknown.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: parse envelope: %w", err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeInitSettings:
		var m InitSettings
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeAudioChunk:
		var m AudioChunk
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeLanguageUpdate:
		var m LanguageUpdate
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeControl:
		var m Control
		err = json.Unmarshal(data, &m)
		msg = m
	case TypePing:
		var m Ping
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCICE:
		var m WebRTCSignal
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("wire: %w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", env.Type, err)
	}
	return msg, nil
}
