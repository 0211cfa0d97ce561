package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/truongvando/ezstream-sub005/pkg/types"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Process is one running stream output
type Process interface {
	PID() int
	// Stop asks the process to finish and kills it after grace
	Stop(grace time.Duration)
	Kill() error
	// Done is closed when the process has exited
	Done() <-chan struct{}
	// Err is the exit error, valid after Done
	Err() error
}

// Runner starts stream processes
type Runner interface {
	Start(streamID int64, spec types.StreamSpec) (Process, error)
}

// FFmpegRunner runs one ffmpeg process per stream
type FFmpegRunner struct {
	Binary   string
	StateDir string
}

// NewFFmpegRunner creates a runner using the ffmpeg binary at path
func NewFFmpegRunner(binary, stateDir string) *FFmpegRunner {
	return &FFmpegRunner{Binary: binary, StateDir: stateDir}
}

// Args returns the ffmpeg arguments for a stream. Several sources are
// played in order through a concat playlist written to playlist.
func Args(spec types.StreamSpec, playlist string) []string {
	input := ffmpeg.KwArgs{"re": ""}
	if spec.Loop {
		input["stream_loop"] = "-1"
	}

	src := ""
	if len(spec.Sources) == 1 {
		src = spec.Sources[0]
	} else {
		input["f"] = "concat"
		input["safe"] = "0"
		input["protocol_whitelist"] = "file,http,https,tcp,tls"
		src = playlist
	}

	output := ffmpeg.KwArgs{"c": "copy", "f": "flv"}
	return ffmpeg.Input(src, input).
		Output(PublishURL(spec), output).
		GlobalArgs("-hide_banner", "-nostdin", "-loglevel", "warning").
		OverWriteOutput().
		GetArgs()
}

// PublishURL joins the RTMP endpoint and the stream key
func PublishURL(spec types.StreamSpec) string {
	if spec.StreamKey == "" {
		return spec.RTMPURL
	}
	return strings.TrimRight(spec.RTMPURL, "/") + "/" + spec.StreamKey
}

// Playlist renders a concat demuxer playlist
func Playlist(sources []string) string {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, src := range sources {
		b.WriteString("file '" + strings.ReplaceAll(src, "'", `'\''`) + "'\n")
	}
	return b.String()
}

// Start launches ffmpeg for the stream. Its output goes to a rotating log
// under StateDir.
func (r *FFmpegRunner) Start(streamID int64, spec types.StreamSpec) (Process, error) {
	if len(spec.Sources) == 0 {
		return nil, fmt.Errorf("stream %d has no sources", streamID)
	}

	dir := filepath.Join(r.StateDir, "streams", strconv.FormatInt(streamID, 10))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stream dir: %w", err)
	}
	playlist := filepath.Join(dir, "playlist.txt")
	if len(spec.Sources) > 1 {
		if err := os.WriteFile(playlist, []byte(Playlist(spec.Sources)), 0644); err != nil {
			return nil, fmt.Errorf("failed to write playlist: %w", err)
		}
	}

	out := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "ffmpeg.log"),
		MaxSize:    20, // MB
		MaxBackups: 3,
	}
	cmd := exec.Command(r.Binary, Args(spec, playlist)...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		out.Close()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error { return p.err }

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// Stop sends an interrupt, which ffmpeg treats as a clean end of stream
func (p *execProcess) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		_ = p.cmd.Process.Signal(os.Interrupt)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			select {
			case <-p.done:
			case <-ctx.Done():
				_ = p.cmd.Process.Kill()
			}
		}()
	})
}
