package model

// Update is the subset of a Telegram webhook update the bot reads.
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

type TelegramMessage struct {
	MessageID int64          `json:"message_id"`
	From      *TelegramUser  `json:"from,omitempty"`
	Chat      TelegramChat   `json:"chat"`
	Text      string         `json:"text,omitempty"`
	Voice     *TelegramMedia `json:"voice,omitempty"`
	Audio     *TelegramMedia `json:"audio,omitempty"`
	Video     *TelegramMedia `json:"video,omitempty"`
	VideoNote *TelegramMedia `json:"video_note,omitempty"`
	Document  *TelegramMedia `json:"document,omitempty"`
}

type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type TelegramChat struct {
	ID int64 `json:"id"`
}

// TelegramMedia covers voice, audio, video, video_note and document
// payloads. Absent numbers stay nil.
type TelegramMedia struct {
	FileID   string   `json:"file_id"`
	Duration *float64 `json:"duration,omitempty"`
	FileSize *int64   `json:"file_size,omitempty"`
	FileName string   `json:"file_name,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
}

// InboundEvent classifies the message. ok is false when it carries no
// media the bot handles.
func (m *TelegramMessage) InboundEvent() (InboundEvent, bool) {
	var kind MediaKind
	var media *TelegramMedia
	switch {
	case m.Voice != nil:
		kind, media = MediaKindVoice, m.Voice
	case m.Audio != nil:
		kind, media = MediaKindAudio, m.Audio
	case m.Video != nil:
		kind, media = MediaKindVideo, m.Video
	case m.VideoNote != nil:
		kind, media = MediaKindVideoNote, m.VideoNote
	case m.Document != nil:
		kind, media = MediaKindDocument, m.Document
	default:
		return InboundEvent{}, false
	}

	ev := InboundEvent{
		Kind:        kind,
		FileID:      media.FileID,
		DurationSec: media.Duration,
		SizeBytes:   media.FileSize,
		FileName:    media.FileName,
		MimeType:    media.MimeType,
		ChatID:      m.Chat.ID,
		MessageID:   m.MessageID,
	}
	if m.From != nil {
		ev.SenderID = m.From.ID
		ev.SenderName = m.From.Username
		if ev.SenderName == "" {
			ev.SenderName = m.From.FirstName
		}
	}
	return ev, true
}
