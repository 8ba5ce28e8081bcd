package service

import "fmt"

// User-facing chat messages.
const (
	MsgQueueFull       = "The bot is busy right now. Please try again in a few minutes."
	MsgRateLimited     = "You are sending files too fast. Please wait a while and try again."
	MsgUnsupportedFile = "This file type is not supported. Send a voice message, audio or video."
	MsgProcessing      = "Got it, transcribing..."
	MsgFailed          = "Transcription failed, please try again later."
	MsgNoSpeech        = "No speech detected."
)

func TooLongMessage(maxSec int) string {
	if maxSec%60 == 0 {
		return fmt.Sprintf("Media is too long. The limit is %d min.", maxSec/60)
	}
	return fmt.Sprintf("Media is too long. The limit is %d sec.", maxSec)
}

func TooLargeMessage(maxBytes int64) string {
	if maxBytes < 1024*1024 {
		return fmt.Sprintf("File is too large. The limit is %d KB.", maxBytes/1024)
	}
	return fmt.Sprintf("File is too large. The limit is %d MB.", maxBytes/(1024*1024))
}

func QueuedMessage(position int) string {
	return fmt.Sprintf("Queued. Your position: %d.", position)
}
