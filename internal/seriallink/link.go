package seriallink

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

// Framing used by the switch box firmware. Not configurable.
const (
	BaudRate        = 57600
	DataBits        = 8
	ResponseTimeout = 1 * time.Second
)

const terminator = "\r"

// Config is the only caller-supplied part of the connection.
type Config struct {
	Port string `json:"serial_port" yaml:"serial_port"`
}

// Command is one request line plus the number of significant reply lines it produces.
type Command struct {
	Text       string
	ReplyLines int
}

// Port is the subset of go.bug.st/serial.Port the link relies on.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

var openPort = func(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

func Mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: BaudRate,
		DataBits: DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Link owns the physical connection and pairs every command with its reply.
type Link struct {
	name    string
	port    Port
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func Open(cfg Config) (*Link, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: serial port not specified", model.ErrTransportFailure)
	}
	p, err := openPort(cfg.Port, Mode())
	if err != nil {
		return nil, fmt.Errorf("%w: open serial %s: %v", model.ErrTransportFailure, cfg.Port, err)
	}
	return New(cfg.Port, p), nil
}

func New(name string, p Port) *Link {
	return &Link{name: name, port: p, timeout: ResponseTimeout}
}

func (l *Link) Name() string {
	return l.name
}

// Exchange writes cmd and waits for its reply. Only one exchange is in flight at a time.
func (l *Link) Exchange(cmd Command) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", fmt.Errorf("%w: link %s is closed", model.ErrTransportFailure, l.name)
	}

	if err := l.port.ResetInputBuffer(); err != nil {
		return "", fmt.Errorf("%w: reset input buffer: %v", model.ErrTransportFailure, err)
	}

	log.Debug().Str("port", l.name).Str("command", cmd.Text).Msg("Sending command")
	if _, err := l.port.Write([]byte(cmd.Text + terminator)); err != nil {
		return "", fmt.Errorf("%w: write %q: %v", model.ErrTransportFailure, cmd.Text, err)
	}

	reply, err := l.readReply(cmd)
	if err != nil {
		return "", err
	}
	log.Debug().Str("port", l.name).Str("command", cmd.Text).Str("reply", reply).Msg("Reply received")
	return reply, nil
}

func (l *Link) readReply(cmd Command) (string, error) {
	want := cmd.ReplyLines
	if want < 1 {
		want = 1
	}

	deadline := time.Now().Add(l.timeout)
	var (
		lines []string
		line  bytes.Buffer
		chunk = make([]byte, 128)
	)

	for len(lines) < want {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: %q after %s (%d/%d lines)", model.ErrTimeout, cmd.Text, l.timeout, len(lines), want)
		}
		if err := l.port.SetReadTimeout(remaining); err != nil {
			return "", fmt.Errorf("%w: set read timeout: %v", model.ErrTransportFailure, err)
		}

		n, err := l.port.Read(chunk)
		if err != nil {
			return "", fmt.Errorf("%w: read reply to %q: %v", model.ErrTransportFailure, cmd.Text, err)
		}
		if n == 0 {
			continue
		}

		for _, c := range chunk[:n] {
			if c != '\n' && c != '\r' {
				line.WriteByte(c)
				continue
			}
			if s := strings.TrimSpace(line.String()); s != "" {
				lines = append(lines, s)
			}
			line.Reset()
			if len(lines) == want {
				break
			}
		}
	}

	return strings.Join(lines, ""), nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.port.Close()
}
