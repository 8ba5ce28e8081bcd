package model

import (
	"math"
	"path/filepath"
	"strings"
)

// InboundEvent is a media message as delivered by the messaging front-end.
type InboundEvent struct {
	Kind        MediaKind `json:"kind" validate:"required,oneof=voice audio video video_note document"`
	FileID      string    `json:"fileId"`
	DurationSec *float64  `json:"durationSec,omitempty" validate:"omitempty,gte=0"`
	SizeBytes   *int64    `json:"sizeBytes,omitempty" validate:"omitempty,gte=0"`
	FileName    string    `json:"fileName,omitempty"`
	MimeType    string    `json:"mimeType,omitempty"`
	ChatID      int64     `json:"chatId" validate:"required"`
	MessageID   int64     `json:"messageId,omitempty"`
	SenderID    int64     `json:"senderId,omitempty"`
	SenderName  string    `json:"senderName,omitempty"`
}

// JobRequest is one unit of transcription work. It is built once from an
// InboundEvent and never mutated afterwards.
type JobRequest struct {
	ChatID      int64     `json:"chatId"`
	MessageID   int64     `json:"messageId,omitempty"`
	SenderID    int64     `json:"senderId,omitempty"`
	Kind        MediaKind `json:"kind"`
	FileID      string    `json:"fileId"`
	DurationSec *float64  `json:"durationSec,omitempty"`
	SizeBytes   *int64    `json:"sizeBytes,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	MimeType    string    `json:"mimeType,omitempty"`
}

// PositiveFloat returns the value when it is present, finite and > 0.
func PositiveFloat(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f := *v
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, false
	}
	return f, true
}

// PositiveInt returns the value when it is present and > 0.
func PositiveInt(v *int64) (int64, bool) {
	if v == nil || *v <= 0 {
		return 0, false
	}
	return *v, true
}

// Float64 and Int64 return pointers for optional fields.
func Float64(v float64) *float64 { return &v }
func Int64(v int64) *int64       { return &v }

var documentExtensions = map[string]bool{
	".mp3": true, ".m4a": true, ".aac": true, ".ogg": true, ".oga": true,
	".opus": true, ".wav": true, ".flac": true, ".wma": true, ".amr": true,
	".mp4": true, ".m4v": true, ".mov": true, ".mkv": true, ".webm": true,
	".avi": true, ".3gp": true, ".mpeg": true, ".mpg": true,
}

// IsMediaDocument reports whether a document upload looks like audio or
// video, by MIME type or file extension.
func IsMediaDocument(mimeType, fileName string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if strings.HasPrefix(mt, "audio/") || strings.HasPrefix(mt, "video/") {
		return true
	}
	return documentExtensions[strings.ToLower(filepath.Ext(fileName))]
}

// InputExtension picks the scratch file extension for a request.
func (r *JobRequest) InputExtension() string {
	if ext := strings.ToLower(filepath.Ext(r.FileName)); documentExtensions[ext] {
		return ext
	}
	switch r.Kind {
	case MediaKindVoice:
		return ".ogg"
	case MediaKindAudio:
		return ".mp3"
	case MediaKindVideo, MediaKindVideoNote:
		return ".mp4"
	default:
		return ".bin"
	}
}
