// Package transcode normalizes inbound media to mono PCM WAV with ffmpeg.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const maxStderr = 2000

// Error is a failed ffmpeg run. Stderr holds the tail of its diagnostics.
type Error struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ffmpeg exited with code %d", e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

type commandResult struct {
	Stderr   string
	ExitCode int
}

// commandRunner runs a process; swapped out in tests.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

type Transcoder struct {
	ffmpegPath string
	sampleRate int
	runner     commandRunner
}

func New(ffmpegPath string, sampleRate int) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Transcoder{
		ffmpegPath: ffmpegPath,
		sampleRate: sampleRate,
		runner:     &execRunner{},
	}
}

// ToWAV converts inputPath into audio.wav inside outDir and returns its path.
func (t *Transcoder) ToWAV(ctx context.Context, inputPath, outDir string) (string, error) {
	outPath := filepath.Join(outDir, "audio.wav")

	res, err := t.runner.Run(ctx, t.ffmpegPath, buildArgs(inputPath, outPath, t.sampleRate)...)
	if err != nil {
		return "", &Error{ExitCode: res.ExitCode, Stderr: tail(res.Stderr), Err: err}
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return "", &Error{ExitCode: 0, Stderr: "no audio output produced", Err: err}
	}
	return outPath, nil
}

func buildArgs(inputPath, outPath string, sampleRate int) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", "pcm_s16le",
		outPath,
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[len(s)-maxStderr:]
	}
	return s
}
