package main

import (
	"context"
	"log/slog"

	"github.com/kstaniek/aa-headunit/internal/aap"
	"github.com/kstaniek/aa-headunit/internal/hub"
	"github.com/kstaniek/aa-headunit/internal/session"
	"github.com/kstaniek/aa-headunit/internal/sink"
)

const (
	videoQueueSize = 256
	audioQueueSize = 512
)

// uiChannels carry small status and input feedback messages that go
// straight to the UI.
var uiChannels = []aap.Channel{
	aap.ChannelInput, aap.ChannelNavigation, aap.ChannelPhoneStatus, aap.ChannelMediaStatus,
}

// initSinks wires the collaborator ports: video and audio to optional dump
// files behind async queues, status and input channels to event subscribers. The
// returned cleanup stops the queues before closing the files.
func initSinks(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger) ([]session.Option, func(), error) {
	var (
		opts    []session.Option
		asyncs  []*sink.Async
		closers []func() error
	)
	cleanup := func() {
		for _, a := range asyncs {
			a.Close()
		}
		for _, c := range closers {
			if err := c(); err != nil {
				l.Warn("sink_close_failed", "error", err)
			}
		}
	}

	video := sink.Discard
	if cfg.videoDump != "" {
		d, err := sink.NewDump(cfg.videoDump, cfg.videoRaw)
		if err != nil {
			return nil, func() {}, err
		}
		closers = append(closers, d.Close)
		a := sink.NewAsync(ctx, "video", videoQueueSize, d)
		asyncs = append(asyncs, a)
		video = a
		l.Info("sink_video_dump", "path", cfg.videoDump, "raw", cfg.videoRaw)
	}
	opts = append(opts, session.WithSink(aap.ChannelVideo, video))

	audio := sink.Discard
	if cfg.audioDump != "" {
		d, err := sink.NewDump(cfg.audioDump, false)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, d.Close)
		a := sink.NewAsync(ctx, "audio", audioQueueSize, d)
		asyncs = append(asyncs, a)
		audio = a
		l.Info("sink_audio_dump", "path", cfg.audioDump)
	}
	for _, ch := range []aap.Channel{aap.ChannelMediaAudio, aap.ChannelSpeechAudio, aap.ChannelSystemAudio} {
		opts = append(opts, session.WithSink(ch, audio))
	}

	ui := sink.Notify(h)
	for _, ch := range uiChannels {
		opts = append(opts, session.WithSink(ch, ui))
	}
	return opts, cleanup, nil
}

