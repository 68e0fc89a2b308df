package hal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/sweeney/photobeam-sensor/internal/logic"
)

const (
	// bridgeReadTimeout bounds how long a single port read may take.
	bridgeReadTimeout = 100 * time.Millisecond

	// maxStaleReplies caps how many mistagged lines one command will skip.
	maxStaleReplies = 8
)

var (
	// ErrBridge is returned when the bridge answers ERR.
	ErrBridge = errors.New("bridge error")
	// ErrBridgeProtocol is returned for replies that do not parse.
	ErrBridgeProtocol = errors.New("bridge protocol error")
	// ErrBridgeTimeout is returned when a reply does not arrive in time.
	ErrBridgeTimeout = errors.New("bridge read timeout")
)

// Bridge implements logic.IO against a microcontroller that exposes its ADC,
// GPIO and PWM over a line-oriented serial protocol. Every command carries a
// sequence tag that the reply echoes:
//
//	#<seq> I <pin>          -> #<seq> OK       configure analog input
//	#<seq> O <pin>          -> #<seq> OK       configure output
//	#<seq> A <pin>          -> #<seq> <value>  analog read
//	#<seq> D <pin> <0|1>    -> #<seq> OK       digital write
//	#<seq> P <pin> <value>  -> #<seq> OK       PWM write
//
// Any command may be answered with "#<seq> ERR <text>". Lines with another
// tag are late replies to commands that already timed out and are skipped.
// The millisecond and microsecond clocks are host-monotonic time since the
// bridge was opened.
type Bridge struct {
	mu     sync.Mutex
	w      io.Writer
	src    io.Reader
	r      *bufio.Reader
	closer io.Closer
	flush  inputResetter
	seq    uint16

	start time.Time
	now   func() time.Time
}

// inputResetter is implemented by serial.Port.
type inputResetter interface {
	ResetInputBuffer() error
}

// timeoutReader reports the (0, nil) a serial port returns when its read
// timeout expires as ErrBridgeTimeout, so bufio does not spin on it.
type timeoutReader struct{ r io.Reader }

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, ErrBridgeTimeout
	}
	return n, err
}

// NewBridge wraps an already-open link to the bridge firmware.
func NewBridge(rw io.ReadWriter) *Bridge {
	src := timeoutReader{rw}
	b := &Bridge{
		w:   rw,
		src: src,
		r:   bufio.NewReader(src),
		now: time.Now,
	}
	if c, ok := rw.(io.Closer); ok {
		b.closer = c
	}
	if f, ok := rw.(inputResetter); ok {
		b.flush = f
	}
	b.start = b.now()
	return b
}

// OpenBridge opens the serial port at path and returns a Bridge over it.
func OpenBridge(path string, opts PortOptions) (*Bridge, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("serial options: %w", err)
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	if err := port.SetReadTimeout(bridgeReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	// Discard anything the firmware printed while booting.
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset input buffer on %s: %w", path, err)
	}

	return NewBridge(port), nil
}

func (b *Bridge) transact(cmd string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	tag := "#" + strconv.FormatUint(uint64(b.seq), 10)
	if _, err := io.WriteString(b.w, tag+" "+cmd+"\n"); err != nil {
		return "", fmt.Errorf("bridge write %q: %w", cmd, err)
	}

	for stale := 0; ; stale++ {
		line, err := b.r.ReadString('\n')
		if err != nil {
			b.resync()
			return "", fmt.Errorf("bridge read reply to %q: %w", cmd, err)
		}

		got, body, _ := strings.Cut(strings.TrimSpace(line), " ")
		if got != tag {
			if stale >= maxStaleReplies {
				b.resync()
				return "", fmt.Errorf("%w: %s: no reply tagged %s", ErrBridgeProtocol, cmd, tag)
			}
			continue
		}
		if msg, ok := strings.CutPrefix(body, "ERR"); ok {
			return "", fmt.Errorf("%w: %s: %s", ErrBridge, cmd, strings.TrimSpace(msg))
		}
		return body, nil
	}
}

// resync drops buffered input after a failed exchange. A reply that arrives
// later is skipped by its tag.
func (b *Bridge) resync() {
	b.r.Reset(b.src)
	if b.flush != nil {
		_ = b.flush.ResetInputBuffer()
	}
}

// ConfigureInput sets pin to analog input.
func (b *Bridge) ConfigureInput(pin logic.Pin) error {
	return b.expectOK(fmt.Sprintf("I %d", pin))
}

// ConfigureOutput sets pin to output.
func (b *Bridge) ConfigureOutput(pin logic.Pin) error {
	return b.expectOK(fmt.Sprintf("O %d", pin))
}

// ReadAnalog performs one conversion on pin.
func (b *Bridge) ReadAnalog(pin logic.Pin) (uint16, error) {
	cmd := fmt.Sprintf("A %d", pin)
	reply, err := b.transact(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(reply, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: bad sample %q", ErrBridgeProtocol, cmd, reply)
	}
	return uint16(v), nil
}

// WriteDigital drives pin high or low.
func (b *Bridge) WriteDigital(pin logic.Pin, high bool) error {
	level := 0
	if high {
		level = 1
	}
	return b.expectOK(fmt.Sprintf("D %d %d", pin, level))
}

// WritePWM sets the duty cycle of pin.
func (b *Bridge) WritePWM(pin logic.Pin, value uint8) error {
	return b.expectOK(fmt.Sprintf("P %d %d", pin, value))
}

// Millis returns milliseconds since the bridge was opened, wrapping at 2^32.
func (b *Bridge) Millis() uint32 {
	return uint32(b.now().Sub(b.start).Milliseconds())
}

// Micros returns microseconds since the bridge was opened, wrapping at 2^32.
func (b *Bridge) Micros() uint32 {
	return uint32(b.now().Sub(b.start).Microseconds())
}

// Close closes the underlying port.
func (b *Bridge) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}
