package decoder_test

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hakobera/go-framepacer/decoder"
	"github.com/hakobera/go-framepacer/decoder/loopback"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

var csd0 = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type retiredRecorder struct {
	mu         sync.Mutex
	timestamps []time.Duration
}

func (r *retiredRecorder) record(ts time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timestamps = append(r.timestamps, ts)
}

func (r *retiredRecorder) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.timestamps...)
}

type fixture struct {
	backend  *loopback.Backend
	enqueuer *decoder.Enqueuer
	dequeuer *decoder.Dequeuer
	retired  *retiredRecorder
}

func newFixture(t *testing.T, cfg decoder.DecoderInitConfig, backendOpts []loopback.Option, opts ...decoder.Option) *fixture {
	t.Helper()

	f := &fixture{
		backend: loopback.NewBackend(backendOpts...),
		retired: &retiredRecorder{},
	}
	opts = append([]decoder.Option{decoder.WithLogger(quietLogger())}, opts...)

	var err error
	f.enqueuer, f.dequeuer, err = decoder.NewVideoDecoder(cfg, csd0, f.backend, f.retired.record, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { f.dequeuer.Close() })

	return f
}

func (f *fixture) push(t *testing.T, timestamps ...time.Duration) {
	t.Helper()
	for _, ts := range timestamps {
		ok, err := f.enqueuer.PushFrameNAL(ts, []byte{0x65, byte(ts)}, 100*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func (f *fixture) waitDecoded(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.dequeuer.Stats().FramesDecoded >= n
	}, waitFor, tick)
}

func testConfig(maxBuffering int, weight float32) decoder.DecoderInitConfig {
	cfg := decoder.DefaultConfig()
	cfg.MaxBufferingFrames = maxBuffering
	cfg.BufferingHistoryWeight = weight
	return cfg
}

func TestPushAndDequeue(t *testing.T) {
	f := newFixture(t, testConfig(4, 1), nil)

	f.push(t, 100, 200, 300)
	f.waitDecoded(t, 3)

	frame, ok := f.dequeuer.DequeueFrame()
	require.True(t, ok)
	assert.Equal(t, time.Duration(100), frame.Timestamp)
	require.IsType(t, &loopback.Image{}, frame.Image)
	assert.Equal(t, []byte{0x65, 100}, frame.Image.(*loopback.Image).Data())
	assert.NotNil(t, frame.HardwareBuffer)

	frame, ok = f.dequeuer.DequeueFrame()
	require.True(t, ok)
	assert.Equal(t, time.Duration(200), frame.Timestamp)

	assert.Equal(t, []time.Duration{100, 200, 300}, f.retired.get())

	stats := f.dequeuer.Stats()
	assert.Equal(t, decoder.WorkerRunning, stats.State)
	assert.Equal(t, uint64(3), stats.FramesSubmitted)
	assert.Equal(t, uint64(2), stats.FramesPresented)
	assert.Equal(t, 2, stats.QueueLength)
}

func TestNanosecondTimestampsStayOrdered(t *testing.T) {
	f := newFixture(t, testConfig(8, 1), nil)

	// distinct at nanosecond precision, identical at microsecond precision
	f.push(t, 1000, 1001, 1002)
	f.waitDecoded(t, 3)

	var got []time.Duration
	for i := 0; i < 3; i++ {
		frame, ok := f.dequeuer.DequeueFrame()
		require.True(t, ok)
		got = append(got, frame.Timestamp)
	}
	assert.Equal(t, []time.Duration{1000, 1001, 1002}, got)
}

func TestFormatPassedToDecoder(t *testing.T) {
	cfg := testConfig(2, 0.9)
	cfg.Codec = decoder.CodecHEVC
	cfg.Options = map[string]decoder.OptionValue{
		"operating-rate": decoder.Int32Option(32767),
		"vendor.mode":    decoder.StringOption("low-latency"),
	}
	f := newFixture(t, cfg, nil)

	codec := f.backend.Current()
	require.NotNil(t, codec)
	assert.Equal(t, "video/hevc", codec.Mime())

	format, ok := codec.Format().(*loopback.Format)
	require.True(t, ok)
	mime, _ := format.String("mime")
	assert.Equal(t, "video/hevc", mime)
	rate, _ := format.Int32("operating-rate")
	assert.Equal(t, int32(32767), rate)
	csd, _ := format.Value("csd-0")
	assert.Equal(t, csd0, csd)
}

func TestPushTimesOut(t *testing.T) {
	f := newFixture(t, testConfig(2, 0.9), nil)
	f.backend.Current().SetInputStalled(true)

	timeout := 20 * time.Millisecond
	start := time.Now()
	ok, err := f.enqueuer.PushFrameNAL(1, []byte{0x65}, timeout)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+200*time.Millisecond)
}

func TestPushWithoutDecoder(t *testing.T) {
	f := newFixture(t, testConfig(2, 0.9), nil)

	f.backend.FailNextCreate(errors.New("no hardware"))
	err := f.enqueuer.RecreateDecoder()
	assert.ErrorIs(t, err, decoder.ErrCreateDecoder)

	ok, err := f.enqueuer.PushFrameNAL(1, []byte{0x65}, 10*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return f.dequeuer.Stats().State == decoder.WorkerWaitingForDecoder
	}, waitFor, tick)

	// recovering is a matter of recreating again
	require.NoError(t, f.enqueuer.RecreateDecoder())
	f.push(t, 5)
	f.waitDecoded(t, 1)
	assert.Equal(t, decoder.WorkerRunning, f.dequeuer.Stats().State)
}

func TestPushTooLarge(t *testing.T) {
	f := newFixture(t, testConfig(2, 0.9), []loopback.Option{loopback.WithInputBufferSize(4)})

	ok, err := f.enqueuer.PushFrameNAL(1, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 10*time.Millisecond)
	assert.False(t, ok)
	assert.ErrorIs(t, err, decoder.ErrBufferTooSmall)

	// the buffer was handed back and the codec keeps accepting input
	ok, err = f.enqueuer.PushFrameNAL(2, []byte{1, 2}, 10*time.Millisecond)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestPushAfterStopIsAnError(t *testing.T) {
	f := newFixture(t, testConfig(2, 0.9), nil)

	// a codec failing underneath the session surfaces to the caller
	require.NoError(t, f.backend.Current().Stop())
	_, err := f.enqueuer.PushFrameNAL(1, []byte{0x65}, 10*time.Millisecond)
	assert.ErrorIs(t, err, decoder.ErrSubmit)
	assert.ErrorIs(t, err, loopback.ErrStopped)
}

func TestRecreateDecoderKeepsOutputTarget(t *testing.T) {
	f := newFixture(t, testConfig(2, 0.9), nil)
	first := f.backend.Current()
	window := first.Window()
	require.NotNil(t, window)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.enqueuer.RecreateDecoder())
	}

	codecs := f.backend.Codecs()
	require.Len(t, codecs, 4)
	assert.Len(t, f.backend.Readers(), 1, "recreation must not create a new output target")
	for i, c := range codecs {
		assert.Same(t, window, c.Window(), "codec %d bound to another surface", i)
		assert.Equal(t, i < 3, c.Stopped(), "codec %d stop state", i)
	}
	assert.Equal(t, uint64(4), f.dequeuer.Stats().Recreations)

	f.push(t, 42)
	f.waitDecoded(t, 1)
	frame, ok := f.dequeuer.DequeueFrame()
	require.True(t, ok)
	assert.Equal(t, time.Duration(42), frame.Timestamp)
}

func TestRecreateDecoderClearsQueue(t *testing.T) {
	f := newFixture(t, testConfig(4, 1), nil)
	reader := f.backend.Readers()[0]

	f.push(t, 1, 2, 3)
	f.waitDecoded(t, 3)
	require.Equal(t, 3, f.dequeuer.Stats().QueueLength)

	require.NoError(t, f.enqueuer.RecreateDecoder())

	assert.Equal(t, 0, f.dequeuer.Stats().QueueLength)
	assert.Equal(t, 0, reader.Outstanding())
	_, ok := f.dequeuer.DequeueFrame()
	assert.False(t, ok)
}

func TestOverflowFlushesEntireQueue(t *testing.T) {
	var events eventLog
	f := newFixture(t, testConfig(2, 1), nil, decoder.WithEventHandler(events.handle))

	// 2*max frames is still within bounds
	f.push(t, 1, 2, 3, 4)
	f.waitDecoded(t, 4)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, f.dequeuer.Stats().QueueLength)
	assert.Equal(t, 0, events.count(decoder.EventOverflow))

	f.push(t, 5)
	require.Eventually(t, func() bool {
		return events.count(decoder.EventOverflow) == 1
	}, waitFor, tick)

	stats := f.dequeuer.Stats()
	assert.Equal(t, 0, stats.QueueLength, "overflow must flush, not trim")
	assert.Equal(t, uint64(1), stats.Overflows)
	assert.Equal(t, 0, f.backend.Readers()[0].Outstanding())
}

func TestDecodeErrorKeepsWorkerRunning(t *testing.T) {
	var events eventLog
	f := newFixture(t, testConfig(2, 0.9), nil,
		decoder.WithEventHandler(events.handle),
		decoder.WithErrorBackoff(5*time.Millisecond))

	f.backend.Current().InjectOutputError(errors.New("codec fault"))
	require.Eventually(t, func() bool {
		return events.count(decoder.EventDecodeError) == 1
	}, waitFor, tick)

	f.backend.Current().InjectOutputInfo(decoder.InfoOutputFormatChanged)
	f.push(t, 7)
	f.waitDecoded(t, 1)

	stats := f.dequeuer.Stats()
	assert.Equal(t, uint64(1), stats.DecodeErrors)
	assert.Equal(t, decoder.WorkerRunning, stats.State)
}

func TestAcquisitionErrorFlushesQueue(t *testing.T) {
	var events eventLog
	f := newFixture(t, testConfig(4, 1), nil, decoder.WithEventHandler(events.handle))
	reader := f.backend.Readers()[0]

	f.push(t, 1, 2)
	f.waitDecoded(t, 2)

	reader.FailNextAcquire(errors.New("acquire failed"))
	f.push(t, 3)
	require.Eventually(t, func() bool {
		return events.count(decoder.EventAcquisitionError) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, f.dequeuer.Stats().QueueLength)

	reader.EmptyNextAcquire()
	f.push(t, 4)
	require.Eventually(t, func() bool {
		return events.count(decoder.EventAcquisitionError) == 2
	}, waitFor, tick)

	f.push(t, 5)
	f.waitDecoded(t, 3)
	frame, ok := f.dequeuer.DequeueFrame()
	require.True(t, ok)
	assert.Equal(t, time.Duration(5), frame.Timestamp)
}

func TestAcquireTimeout(t *testing.T) {
	var events eventLog
	f := newFixture(t, testConfig(4, 1), nil,
		decoder.WithEventHandler(events.handle),
		decoder.WithAcquireTimeout(20*time.Millisecond))

	reader := f.backend.Readers()[0]

	reader.SilenceNextImage()
	f.push(t, 1)
	require.Eventually(t, func() bool {
		return events.count(decoder.EventAcquisitionError) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, reader.Outstanding(), "the unannounced image is released")

	f.push(t, 2, 3)
	f.waitDecoded(t, 2)

	for _, expected := range []time.Duration{2, 3} {
		frame, ok := f.dequeuer.DequeueFrame()
		require.True(t, ok)
		assert.Equal(t, expected, frame.Timestamp)
		img := frame.Image.(*loopback.Image)
		assert.Equal(t, expected, img.Timestamp(), "frame paired with another frame's image")
		assert.Equal(t, []byte{0x65, byte(expected)}, img.Data())
	}
}

func TestRecreateDecoderStopsCodecThatFailedToStart(t *testing.T) {
	f := newFixture(t, testConfig(2, 0.9), nil)

	for i := 0; i < 3; i++ {
		f.backend.FailNextStart(errors.New("no free decoder instance"))
		err := f.enqueuer.RecreateDecoder()
		assert.ErrorIs(t, err, decoder.ErrCreateDecoder)
	}

	codecs := f.backend.Codecs()
	require.Len(t, codecs, 4)
	for i, c := range codecs {
		assert.True(t, c.Stopped(), "codec %d left running", i)
	}

	ok, err := f.enqueuer.PushFrameNAL(1, []byte{0x65}, 10*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.enqueuer.RecreateDecoder())
	assert.False(t, f.backend.Current().Stopped())
	f.push(t, 2)
	f.waitDecoded(t, 1)
}

func TestPushDuringRecreateRespectsTimeout(t *testing.T) {
	f := newFixture(t, testConfig(2, 0.9), nil)
	f.backend.DelayNextCreate(300 * time.Millisecond)

	recreated := make(chan error, 1)
	go func() { recreated <- f.enqueuer.RecreateDecoder() }()

	// let the recreation take the codec slot
	time.Sleep(50 * time.Millisecond)

	timeout := 20 * time.Millisecond
	start := time.Now()
	ok, err := f.enqueuer.PushFrameNAL(1, []byte{0x65}, timeout)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 150*time.Millisecond)

	require.NoError(t, <-recreated)
	f.push(t, 2)
	f.waitDecoded(t, 1)
}

func TestCloseReleasesEverything(t *testing.T) {
	f := newFixture(t, testConfig(4, 1), nil)
	reader := f.backend.Readers()[0]

	f.push(t, 1, 2, 3)
	f.waitDecoded(t, 3)
	_, ok := f.dequeuer.DequeueFrame()
	require.True(t, ok)

	require.NoError(t, f.dequeuer.Close())
	require.NoError(t, f.dequeuer.Close())

	assert.Equal(t, decoder.WorkerStopped, f.dequeuer.Stats().State)
	assert.True(t, f.backend.Current().Stopped())
	assert.Equal(t, 0, reader.Outstanding())
	assert.Equal(t, reader.Produced(), reader.Released())

	assert.ErrorIs(t, f.enqueuer.RecreateDecoder(), decoder.ErrClosed)
	ok, err := f.enqueuer.PushFrameNAL(9, []byte{0x65}, time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestNewVideoDecoderRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(0, 0.9)
	_, _, err := decoder.NewVideoDecoder(cfg, csd0, loopback.NewBackend(), nil)
	assert.ErrorIs(t, err, decoder.ErrInvalidConfig)
}

func TestNewVideoDecoderCreateFailure(t *testing.T) {
	backend := loopback.NewBackend()
	backend.FailNextCreate(errors.New("no hardware"))

	_, _, err := decoder.NewVideoDecoder(testConfig(2, 0.9), csd0, backend, nil, decoder.WithLogger(quietLogger()))
	assert.ErrorIs(t, err, decoder.ErrCreateDecoder)
	assert.Len(t, backend.Readers(), 1)
	assert.Equal(t, 0, backend.Readers()[0].Outstanding())
}

func TestFeedAccessUnits(t *testing.T) {
	f := newFixture(t, testConfig(4, 1), nil)
	depacketizer, err := decoder.DepacketizerFor(decoder.CodecH264)
	require.NoError(t, err)
	builder := decoder.NewFrameBuilder(64, depacketizer, 0)

	packets := []*rtp.Packet{
		{Header: rtp.Header{SequenceNumber: 10, Timestamp: 9000, Marker: true}, Payload: []byte{0x65, 0x01}},
		{Header: rtp.Header{SequenceNumber: 11, Timestamp: 12000, Marker: true}, Payload: []byte{0x41, 0x02}},
	}
	for _, p := range packets {
		builder.Push(p)
	}

	pushed, err := decoder.FeedAccessUnits(builder, f.enqueuer, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, pushed)
	f.waitDecoded(t, 2)

	frame, ok := f.dequeuer.DequeueFrame()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), frame.Timestamp)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 0x01}, frame.Image.(*loopback.Image).Data())

	frame, ok = f.dequeuer.DequeueFrame()
	require.True(t, ok)
	assert.Equal(t, 3000*time.Second/90000, frame.Timestamp)
}

type eventLog struct {
	mu     sync.Mutex
	events []decoder.Event
}

func (l *eventLog) handle(e decoder.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(e decoder.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.events {
		if got == e {
			n++
		}
	}
	return n
}

func TestConcurrentPushRecreateAndRender(t *testing.T) {
	f := newFixture(t, testConfig(2, 0.5), nil)
	reader := f.backend.Readers()[0]

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 300; i++ {
			_, err := f.enqueuer.PushFrameNAL(time.Duration(i), []byte{0x65, byte(i)}, 5*time.Millisecond)
			assert.NoError(t, err)
			if i%50 == 0 {
				assert.NoError(t, f.enqueuer.RecreateDecoder())
			}
			time.Sleep(100 * time.Microsecond)
		}
		close(stop)
	}()

	var rendered []time.Duration
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if frame, ok := f.dequeuer.DequeueFrame(); ok {
				if n := len(rendered); n == 0 || rendered[n-1] != frame.Timestamp {
					rendered = append(rendered, frame.Timestamp)
				}
			}
			time.Sleep(200 * time.Microsecond)
		}
	}()

	wg.Wait()
	require.NoError(t, f.dequeuer.Close())

	for i := 1; i < len(rendered); i++ {
		assert.Greater(t, rendered[i], rendered[i-1], "frames must be presented in decode order")
	}
	for i, c := range f.backend.Codecs() {
		assert.Zero(t, c.Violations(), "codec %d used concurrently", i)
		assert.True(t, c.Stopped(), "codec %d left running", i)
	}
	assert.Equal(t, 0, reader.Outstanding())
}
