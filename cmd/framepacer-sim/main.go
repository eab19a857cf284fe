package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hakobera/go-framepacer/decoder"
	"github.com/hakobera/go-framepacer/decoder/loopback"
	"github.com/hakobera/go-framepacer/platform"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/sirupsen/logrus"
)

const version = "v0.1.0"

const (
	mtu         = 1200
	payloadType = 96
	clockRate   = 90000
)

// SPS and PPS of the synthetic stream.
var csd0 = []byte{
	0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xc0, 0x1f,
	0x00, 0x00, 0x00, 0x01, 0x68, 0xce, 0x3c, 0x80,
}

func main() {
	configPath := flag.String("config", "", "YAML decoder config file (optional)")
	codecName := flag.String("codec", "", "Codec override: h264, hevc")
	frames := flag.Int("frames", 600, "Number of frames to send (0 = until interrupted)")
	sendFPS := flag.Float64("fps", 60, "Frame rate of the sender")
	renderFPS := flag.Float64("render-fps", 0, "Frame rate of the render loop (0 = same as -fps)")
	frameSize := flag.Int("frame-size", 4000, "Access unit size in bytes")
	reorder := flag.Float64("reorder", 0, "Probability of swapping two consecutive RTP packets")
	recreateEvery := flag.Int("recreate-every", 0, "Recreate the decoder every N frames (0 = never)")
	statsInterval := flag.Duration("stats-interval", 2*time.Second, "Interval between stats reports")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("framepacer-sim %s\n", version)
		os.Exit(0)
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "framepacer-sim")

	cfg := decoder.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = decoder.LoadConfig(*configPath); err != nil {
			log.WithError(err).Fatal("Failed to load decoder config")
		}
	}
	if *codecName != "" {
		codec, err := decoder.ParseCodec(*codecName)
		if err != nil {
			log.WithError(err).Fatal("Invalid codec")
		}
		cfg.Codec = codec
	}
	if *sendFPS <= 0 || *frameSize <= 0 {
		log.Fatal("-fps and -frame-size must be positive")
	}
	if *renderFPS <= 0 {
		*renderFPS = *sendFPS
	}

	depacketizer, err := decoder.DepacketizerFor(cfg.Codec)
	if err != nil {
		log.WithError(err).Fatal("Codec cannot be simulated")
	}

	platform.Describe(platform.Desktop{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var retired atomic.Uint64
	backend := loopback.NewBackend()
	enqueuer, dequeuer, err := decoder.NewVideoDecoder(cfg, csd0, backend,
		func(time.Duration) { retired.Add(1) },
		decoder.WithLogger(logrus.WithField("component", "decoder")),
		decoder.WithEventHandler(func(e decoder.Event) {
			log.WithField("event", e.String()).Debug("Pacing event")
		}),
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to create video decoder")
	}

	sim := &simulator{
		log:           log,
		enqueuer:      enqueuer,
		builder:       decoder.NewFrameBuilder(64, depacketizer, clockRate),
		packetizer:    rtp.NewPacketizer(mtu, payloadType, rand.Uint32(), &codecs.H264Payloader{}, rtp.NewRandomSequencer(), clockRate),
		frameSize:     *frameSize,
		reorder:       *reorder,
		recreateEvery: *recreateEvery,
	}

	var wg sync.WaitGroup
	senderDone := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(senderDone)
		sim.send(ctx, *frames, *sendFPS)
	}()

	var presented, underflows atomic.Uint64
	wg.Add(1)
	go func() {
		defer wg.Done()
		render(ctx, senderDone, dequeuer, *renderFPS, &presented, &underflows)
	}()

	ticker := time.NewTicker(*statsInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("Interrupted, shutting down")
			break loop
		case <-senderDone:
			break loop
		case <-ticker.C:
			logStats(log, dequeuer.Stats(), "Pacing stats")
		}
	}

	cancel()
	wg.Wait()

	stats := dequeuer.Stats()
	if err := dequeuer.Close(); err != nil {
		log.WithError(err).Warn("Failed to close video decoder")
	}

	logStats(log, stats, "Final pacing stats")
	log.WithFields(logrus.Fields{
		"frames_sent":      sim.sent,
		"frames_rejected":  sim.rejected,
		"frames_retired":   retired.Load(),
		"frames_rendered":  presented.Load(),
		"render_underflow": underflows.Load(),
		"rtp_dropped":      sim.builder.Dropped(),
		"codecs_created":   len(backend.Codecs()),
	}).Info("Simulation finished")
}

// simulator plays the network receive side: it packetizes synthetic access
// units, reassembles them and submits them to the decoder.
type simulator struct {
	log           *logrus.Entry
	enqueuer      *decoder.Enqueuer
	builder       *decoder.FrameBuilder
	packetizer    rtp.Packetizer
	frameSize     int
	reorder       float64
	recreateEvery int

	sent     int
	rejected int
}

func (s *simulator) send(ctx context.Context, frames int, fps float64) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	samples := uint32(clockRate / fps)

	for n := 0; frames == 0 || n < frames; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.recreateEvery > 0 && n > 0 && n%s.recreateEvery == 0 {
			if err := s.enqueuer.RecreateDecoder(); err != nil {
				s.log.WithError(err).Error("Failed to recreate decoder")
			}
		}

		packets := s.packetizer.Packetize(accessUnit(n, s.frameSize), samples)
		for i := 0; i+1 < len(packets); i++ {
			if rand.Float64() < s.reorder {
				packets[i], packets[i+1] = packets[i+1], packets[i]
				i++
			}
		}
		for _, p := range packets {
			s.builder.Push(p)
		}

		pushed, err := decoder.FeedAccessUnits(s.builder, s.enqueuer, 5*time.Millisecond)
		if err != nil {
			s.log.WithError(err).Error("Failed to submit access unit")
		}
		s.sent += pushed
		if pushed == 0 {
			s.rejected++
		}
	}
}

// accessUnit returns an Annex B coded slice, an IDR every 60 frames.
func accessUnit(n, size int) []byte {
	nal := byte(0x41)
	if n%60 == 0 {
		nal = 0x65
	}
	au := make([]byte, size)
	copy(au, []byte{0x00, 0x00, 0x00, 0x01, nal})
	for i := 5; i < size; i++ {
		au[i] = byte(n + i)
		if au[i] == 0 {
			// keep the payload free of start codes
			au[i] = 0xff
		}
	}
	return au
}

func render(ctx context.Context, senderDone <-chan struct{}, d *decoder.Dequeuer, fps float64, presented, underflows *atomic.Uint64) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-senderDone:
			return
		case <-ticker.C:
		}

		if _, ok := d.DequeueFrame(); ok {
			presented.Add(1)
		} else {
			underflows.Add(1)
		}
	}
}

func logStats(log *logrus.Entry, stats decoder.Stats, msg string) {
	log.WithFields(logrus.Fields{
		"state":              stats.State.String(),
		"queue_length":       stats.QueueLength,
		"buffering_average":  stats.BufferingAverage,
		"submitted":          stats.FramesSubmitted,
		"decoded":            stats.FramesDecoded,
		"presented":          stats.FramesPresented,
		"overflows":          stats.Overflows,
		"underflows":         stats.Underflows,
		"adaptive_drops":     stats.AdaptiveDrops,
		"decode_errors":      stats.DecodeErrors,
		"acquisition_errors": stats.AcquisitionErrors,
		"mailbox_drops":      stats.MailboxDrops,
		"recreations":        stats.Recreations,
	}).Info(msg)
}
