// Package ingest provides a development-time frame source: it decodes a
// video file with ffmpeg and feeds raw frames into the input queue, in
// place of a live bus producer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/edgepipe/udf-pipeline-service/internal/domain/entity"
	"github.com/edgepipe/udf-pipeline-service/internal/framequeue"
)

type FileIngestor struct {
	fps    float64
	logger *zap.Logger
}

func NewFileIngestor(fps float64, logger *zap.Logger) *FileIngestor {
	return &FileIngestor{fps: fps, logger: logger}
}

// Run decodes videoPath at the configured rate and pushes BGR frames into
// the queue, blocking on a full queue. Returns once the file is exhausted
// or ctx is cancelled.
func (fi *FileIngestor) Run(ctx context.Context, videoPath string, in *framequeue.FrameQueue) error {
	width, height, err := fi.probeDimensions(ctx, videoPath)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%g", fi.fps),
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	const channels = 3
	frameSize := width * height * channels
	count := 0
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			cmd.Wait()
			return fmt.Errorf("read frame: %w", err)
		}

		view, err := entity.NewView(buf, nil, buf, width, height, channels, entity.EncodingNone, 0)
		if err != nil {
			cmd.Wait()
			return err
		}
		frame, err := entity.NewFrame(view)
		if err != nil {
			cmd.Wait()
			return err
		}
		md, _ := frame.Meta()
		md.Set("source", videoPath)
		md.Set("frame_number", count)

		if err := in.PushWait(frame); err != nil {
			frame.Close()
			cmd.Process.Kill()
			cmd.Wait()
			return err
		}
		count++
	}

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}

	fi.logger.Info("file ingest finished",
		zap.String("video", videoPath),
		zap.Int("frames", count),
	)
	return nil
}

func (fi *FileIngestor) probeDimensions(ctx context.Context, videoPath string) (int, int, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe: %w", err)
	}

	parts := strings.Split(strings.TrimSpace(string(output)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected ffprobe output %q", output)
	}
	width, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parse width: %w", err)
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parse height: %w", err)
	}
	return width, height, nil
}
