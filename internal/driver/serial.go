package driver

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// DefaultSerialTopic for plain base64 lines without a topic.
const DefaultSerialTopic = "personal:ucs://local/ucs_hub"

// State of the serial link.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Error
	Closed
	BackoffWait
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Error:
		return "error"
	case Closed:
		return "closed"
	case BackoffWait:
		return "backoff"
	}
	return "unknown"
}

// Opener opens the device. Replaced in tests.
type Opener func(dev string, baud int) (io.ReadWriteCloser, error)

// OpenSerialPort opens dev 8N1 at baud.
func OpenSerialPort(dev string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(dev, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// SerialConfig: device and backoff bounds.
type SerialConfig struct {
	Device      string
	Baud        int
	BackoffSeed time.Duration // doubled before each wait
	BackoffMax  time.Duration
	Topic       string // default inbound topic
}

// Serial: line-oriented device driver. Frames go out as base64 + "\n".
type Serial struct {
	cfg     SerialConfig
	open    Opener
	inbound Inbound
	onUp    func()
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	port     io.ReadWriteCloser
	gen      uint64 // bumps per opened port; stale read loops compare
	backoff  time.Duration
	timer    *time.Timer
	stopped  bool
	lastErr  string
	opens    uint64
	sent     uint64
	rxLines  uint64
	badLines uint64
}

var unsafeChars = regexp.MustCompile(`[^\w.-]`)

// NewSerial; open nil = OpenSerialPort. onUp runs after each successful open.
func NewSerial(cfg SerialConfig, open Opener, inbound Inbound, onUp func(), log zerolog.Logger) *Serial {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.BackoffSeed <= 0 {
		cfg.BackoffSeed = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultSerialTopic
	}
	if open == nil {
		open = OpenSerialPort
	}
	return &Serial{
		cfg:     cfg,
		open:    open,
		inbound: inbound,
		onUp:    onUp,
		log:     log,
		backoff: cfg.BackoffSeed,
	}
}

func (s *Serial) ID() string   { return "serial:" + unsafeChars.ReplaceAllString(s.cfg.Device, "_") }
func (s *Serial) Kind() string { return KindSerial }

func (s *Serial) IsUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Open
}

// State current.
func (s *Serial) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Serial) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"device":     s.cfg.Device,
		"baud":       s.cfg.Baud,
		"state":      s.state.String(),
		"backoff_ms": s.backoff.Milliseconds(),
		"opens":      s.opens,
		"sent":       s.sent,
		"rx_lines":   s.rxLines,
		"bad_lines":  s.badLines,
		"last_error": s.lastErr,
	}
}

// Start: Idle -> Connecting. No-op unless idle.
func (s *Serial) Start() {
	s.mu.Lock()
	if s.state != Idle || s.stopped {
		s.mu.Unlock()
		return
	}
	s.state = Connecting
	s.mu.Unlock()
	go s.connect()
}

// connect performs one open attempt.
func (s *Serial) connect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.state = Connecting
	s.mu.Unlock()

	port, err := s.open(s.cfg.Device, s.cfg.Baud)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if port != nil {
			port.Close()
		}
		return
	}
	if err != nil {
		s.state = Error
		s.scheduleLocked("open failed: " + err.Error())
		s.mu.Unlock()
		return
	}
	s.port = port
	s.gen++
	gen := s.gen
	s.state = Open
	s.backoff = s.cfg.BackoffSeed
	s.opens++
	s.lastErr = ""
	s.mu.Unlock()

	s.log.Info().Str("device", s.cfg.Device).Int("baud", s.cfg.Baud).Msg("serial up")
	go s.readLoop(port, gen)
	if s.onUp != nil {
		s.onUp()
	}
}

// scheduleLocked: -> BackoffWait, timer for the next attempt. Caller holds mu.
func (s *Serial) scheduleLocked(why string) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	s.lastErr = why
	s.backoff = min(s.backoff*2, s.cfg.BackoffMax)
	wait := s.backoff
	s.state = BackoffWait
	s.timer = time.AfterFunc(wait, s.connect)
	s.log.Warn().Str("device", s.cfg.Device).Str("reason", why).Dur("retry_in", wait).Msg("serial down")
}

// lost: port error/close observed by reader or writer.
func (s *Serial) lost(gen uint64, why string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.gen || s.state != Open {
		return
	}
	s.state = st
	s.scheduleLocked(why)
}

func (s *Serial) readLoop(port io.Reader, gen uint64) {
	sc := bufio.NewScanner(port)
	sc.Buffer(make([]byte, 4096), 1<<20)
	for sc.Scan() {
		s.handleLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		s.lost(gen, "error: "+err.Error(), Error)
		return
	}
	s.lost(gen, "closed", Closed)
}

// handleLine: plain base64, or JSON {topic, bytes_b64|data_b64}.
func (s *Serial) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	topic, b64 := s.cfg.Topic, line
	if strings.HasPrefix(line, "{") {
		var j struct {
			Topic    *string `json:"topic"`
			BytesB64 *string `json:"bytes_b64"`
			DataB64  *string `json:"data_b64"`
		}
		if json.Unmarshal([]byte(line), &j) == nil {
			if j.Topic != nil {
				topic = *j.Topic
			}
			if j.BytesB64 != nil {
				b64 = *j.BytesB64
			} else if j.DataB64 != nil {
				b64 = *j.DataB64
			}
		}
	}
	if b64 == "" {
		return
	}
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		s.mu.Lock()
		s.badLines++
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("serial: bad inbound line")
		return
	}
	s.mu.Lock()
	s.rxLines++
	s.mu.Unlock()
	if s.inbound != nil {
		s.inbound(topic, b, nil, "serial:"+s.cfg.Device)
	}
}

// Send writes base64(frame)+"\n". False unless the port is open.
func (s *Serial) Send(frame []byte) bool {
	s.mu.Lock()
	if s.state != Open || s.port == nil {
		s.mu.Unlock()
		return false
	}
	port, gen := s.port, s.gen
	s.mu.Unlock()

	line := base64.StdEncoding.EncodeToString(frame) + "\n"
	if _, err := io.WriteString(port, line); err != nil {
		go s.lost(gen, "write: "+err.Error(), Error)
		return false
	}
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return true
}

// Close stops reconnects and closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = Closed
	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		return err
	}
	return nil
}
