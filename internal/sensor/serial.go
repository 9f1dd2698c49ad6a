package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/roast.report/internal/monitoring"
	"github.com/banshee-data/roast.report/internal/units"
)

const (
	defaultReadTimeout = time.Second
	maxLineLength      = 4096
)

// Port is the subset of go.bug.st/serial.Port the serial sensor uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOptions describes the serial connection parameters of a probe.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch p := strings.TrimSpace(strings.ToUpper(opts.Parity)); p {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial expects.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialSensor reads one JSON object per line from a microcontroller probe,
// e.g. {"temperature": 187.25}. Keys that are not known metrics are ignored.
// When Command is set it is written before each read to request a sample.
type SerialSensor struct {
	name    string
	family  Family
	command []byte

	mu      sync.Mutex
	port    Port
	buf     []byte
	pending []byte
}

// OpenSerial opens path with opts and returns a sensor reading from it.
func OpenSerial(name, path string, opts PortOptions, family Family, command string) (*SerialSensor, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s, err := NewSerialSensor(name, port, family, command)
	if err != nil {
		port.Close()
		return nil, err
	}
	monitoring.Logf("sensor %s: opened %s at %d baud", name, path, mode.BaudRate)
	return s, nil
}

// NewSerialSensor wraps an already open port.
func NewSerialSensor(name string, port Port, family Family, command string) (*SerialSensor, error) {
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	s := &SerialSensor{
		name:   name,
		family: family,
		port:   port,
		buf:    make([]byte, 256),
	}
	if command != "" {
		s.command = []byte(strings.TrimRight(command, "\r\n") + "\n")
	}
	return s, nil
}

func (s *SerialSensor) Name() string { return s.name }

// Read requests (when configured) and parses the next complete line.
func (s *SerialSensor) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.command) > 0 {
		if _, err := s.port.Write(s.command); err != nil {
			return nil, fmt.Errorf("%s: write command: %w", s.name, err)
		}
	}
	line, err := s.readLine()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	r, err := parseLine(line)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	if err := s.family.Validate(s.name, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Close closes the underlying port.
func (s *SerialSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

func (s *SerialSensor) readLine() (string, error) {
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := string(bytes.TrimSpace(s.pending[:i]))
			s.pending = s.pending[i+1:]
			if line == "" {
				continue
			}
			return line, nil
		}
		if len(s.pending) > maxLineLength {
			s.pending = nil
			return "", errors.New("line exceeds maximum length")
		}
		n, err := s.port.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.buf[:n]...)
			continue
		}
		if err != nil {
			return "", err
		}
		// go.bug.st/serial reports a read timeout as (0, nil).
		return "", ErrReadTimeout
	}
}

func parseLine(line string) (Reading, error) {
	var raw map[string]float64
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("parse %q: %w", line, err)
	}
	r := make(Reading, len(raw))
	for k, v := range raw {
		if m, ok := units.ParseMetric(k); ok {
			r[m] = v
		}
	}
	if len(r) == 0 {
		return nil, ErrNoData
	}
	return r, nil
}
