package pttvoice

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"

	"github.com/localrivet/pttvoice/audio"
	"github.com/localrivet/pttvoice/config"
	"github.com/localrivet/pttvoice/dispatch"
	"github.com/localrivet/pttvoice/logx"
	"github.com/localrivet/pttvoice/transport/udp"
)

// ErrNoCapturer is returned by BeginRecording when no capture device is set.
var ErrNoCapturer = errors.New("no capture device configured")

// Service ties a capture device, the UDP transport and a renderer together.
// Construct one with New and pass it to whatever drives recording.
type Service struct {
	cfg        *config.Config
	transport  *udp.Transport
	dispatcher *dispatch.Dispatcher
	capturer   audio.Capturer
	renderer   audio.Renderer
	logger     logx.Logger
	udpOptions []udp.UDPOption

	recMu     sync.Mutex
	recording bool

	sends         sync.WaitGroup
	clipsReceived atomic.Uint64
	clipsRendered atomic.Uint64
}

// Option configures a Service.
type Option func(*Service)

// WithCapturer sets the capture device used by BeginRecording.
func WithCapturer(c audio.Capturer) Option {
	return func(s *Service) {
		s.capturer = c
	}
}

// WithRenderer sets the device received clips are played on.
func WithRenderer(r audio.Renderer) Option {
	return func(s *Service) {
		s.renderer = r
	}
}

// WithLogger sets the logger. By default one is built from the config's log level.
func WithLogger(logger logx.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTransportOptions appends options applied after the config-derived ones.
func WithTransportOptions(options ...udp.UDPOption) Option {
	return func(s *Service) {
		s.udpOptions = append(s.udpOptions, options...)
	}
}

// New validates cfg and builds a stopped service. A nil cfg means config.Default().
func New(cfg *config.Config, options ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		logger, err := cfg.NewLogger(os.Stderr)
		if err != nil {
			return nil, err
		}
		s.logger = logger
	}

	s.dispatcher = dispatch.New(s.logger)

	udpOptions := []udp.UDPOption{
		udp.WithPeer(cfg.PeerAddress()),
		udp.WithMaxPayloadSize(cfg.MaxPayloadSize),
		udp.WithReadBufferSize(cfg.ReadBufferSize),
		udp.WithReassemblyTimeout(cfg.ReassemblyTimeout),
		udp.WithSweepInterval(cfg.SweepInterval),
		udp.WithMaxTransfers(cfg.MaxTransfers),
		udp.WithLogger(s.logger),
	}
	s.transport = udp.NewTransport(cfg.ListenAddress(), append(udpOptions, s.udpOptions...)...)
	s.transport.SetMessageHandler(s.handleClip)

	return s, nil
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Transport returns the underlying UDP transport.
func (s *Service) Transport() *udp.Transport {
	return s.transport
}

// Dispatcher returns the queue render tasks are posted to. The owner of the
// render device must drain it.
func (s *Service) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Stats returns transport counters.
func (s *Service) Stats() udp.Stats {
	return s.transport.Stats()
}

// ClipStats returns how many clips were received and how many rendered
// without error.
func (s *Service) ClipStats() (received, rendered uint64) {
	return s.clipsReceived.Load(), s.clipsRendered.Load()
}

// Start begins receiving clips.
func (s *Service) Start() error {
	return s.transport.Start()
}

// Stop waits for in-flight sends and stops receiving.
func (s *Service) Stop() error {
	s.sends.Wait()
	return s.transport.Stop()
}

// Recording reports whether a capture is in progress.
func (s *Service) Recording() bool {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.recording
}

// BeginRecording starts the capture device. Calling it while already
// recording does nothing.
func (s *Service) BeginRecording() error {
	if s.capturer == nil {
		s.logger.Warn("pttvoice: no capture device available")
		return ErrNoCapturer
	}

	s.recMu.Lock()
	defer s.recMu.Unlock()

	if s.recording {
		return nil
	}
	if err := s.capturer.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	s.recording = true
	s.logger.Info("pttvoice: recording started")
	return nil
}

// EndRecordingAndSend stops the capture device and sends what was recorded
// in the background. Nothing is sent when not recording or when the capture
// is empty.
func (s *Service) EndRecordingAndSend() error {
	s.recMu.Lock()
	if !s.recording {
		s.recMu.Unlock()
		s.logger.Debug("pttvoice: end of recording requested while not recording")
		return nil
	}
	s.recording = false
	samples, err := s.capturer.Stop()
	s.recMu.Unlock()

	if err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	if len(samples) == 0 {
		s.logger.Info("pttvoice: no audio captured")
		return nil
	}

	s.SendClipAsync(samples)
	return nil
}

// SendClip encodes samples and sends them to the peer, returning once every
// fragment has been handed to the socket.
func (s *Service) SendClip(samples []int16) (udp.SendReport, error) {
	report, err := s.transport.SendMessage(audio.PCM16ToBytes(samples))
	if err != nil {
		return report, err
	}
	s.logger.Info("pttvoice: sent %d bytes in %d fragments (message %08x)",
		report.Bytes, report.Fragments, report.MessageID)
	return report, nil
}

// SendClipAsync sends samples on a new goroutine. Errors are logged. Stop
// waits for it to finish.
func (s *Service) SendClipAsync(samples []int16) {
	s.sends.Add(1)
	go func() {
		defer s.sends.Done()
		if _, err := s.SendClip(samples); err != nil {
			s.logger.Error("pttvoice: failed to send clip: %v", err)
		}
	}()
}

// handleClip runs on the receive goroutine. It decodes the clip and queues
// playback without blocking.
func (s *Service) handleClip(from netip.AddrPort, message []byte) error {
	samples := audio.PCM16ToFloat(audio.BytesToPCM16(message))
	s.clipsReceived.Add(1)

	renderer := s.renderer
	if renderer == nil {
		s.logger.Debug("pttvoice: no renderer, dropping %d samples from %s", len(samples), from)
		return nil
	}

	sampleRate := s.cfg.SampleRate
	s.dispatcher.Enqueue(func() {
		if err := renderer.Render(samples, sampleRate); err != nil {
			s.logger.Error("pttvoice: failed to play clip from %s: %v", from, err)
			return
		}
		s.clipsRendered.Add(1)
	})
	return nil
}
