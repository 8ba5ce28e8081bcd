package model

// Job status
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRejected  JobStatus = "rejected"
)

// Stage is one step of the transcription pipeline.
type Stage string

const (
	StageAnnounce   Stage = "announce"
	StageDownload   Stage = "download"
	StageTranscode  Stage = "transcode"
	StageTranscribe Stage = "transcribe"
	StageDeliver    Stage = "deliver"
	StageRecord     Stage = "record"
)

// Progress reported when a stage starts.
var StageProgress = map[Stage]int{
	StageAnnounce:   5,
	StageDownload:   10,
	StageTranscode:  30,
	StageTranscribe: 45,
	StageDeliver:    90,
	StageRecord:     95,
}

// MediaKind classifies inbound media.
type MediaKind string

const (
	MediaKindVoice     MediaKind = "voice"
	MediaKindAudio     MediaKind = "audio"
	MediaKindVideo     MediaKind = "video"
	MediaKindVideoNote MediaKind = "video_note"
	MediaKindDocument  MediaKind = "document"
)

var ValidMediaKinds = []MediaKind{
	MediaKindVoice, MediaKindAudio, MediaKindVideo, MediaKindVideoNote, MediaKindDocument,
}
