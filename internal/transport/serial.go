package transport

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultSerialWindow is the scan window re-issued by the serial backend
// while scanning continuously.
const DefaultSerialWindow = 5 * time.Second

// SerialPort is the byte stream to the scanning coprocessor.
type SerialPort io.ReadWriteCloser

// PortOpener opens a serial device. Tests substitute an in-memory pipe.
type PortOpener func(path string, mode *serial.Mode) (SerialPort, error)

// OpenSerialPort opens a real UART with go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (SerialPort, error) {
	return serial.Open(path, mode)
}

// SerialOptions describes the UART and the scan parameters sent to the
// coprocessor.
type SerialOptions struct {
	Port     string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string

	// Window is the length of each scan window in continuous mode. The
	// coprocessor firmware de-duplicates advertisements within a window, so
	// short windows are restarted back to back.
	Window time.Duration
	// ScanInterval and ScanWindow are passed through in radio units.
	ScanInterval int
	ScanWindow   int
}

// parities maps accepted parity spellings to their one-letter form.
var parities = map[string]string{
	"": "N", "N": "N", "NONE": "N",
	"E": "E", "EVEN": "E",
	"O": "O", "ODD": "O",
}

// Normalize validates the options and fills in defaults for zero values.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	if o.Port == "" {
		return o, errors.New("transport: serial: no port configured")
	}
	if o.BaudRate <= 0 {
		o.BaudRate = 115200
	}

	switch o.DataBits {
	case 0:
		o.DataBits = 8
	case 5, 6, 7, 8:
	default:
		return o, fmt.Errorf("transport: serial: %d data bits not supported", o.DataBits)
	}
	switch o.StopBits {
	case 0:
		o.StopBits = 1
	case 1, 2:
	default:
		return o, fmt.Errorf("transport: serial: %d stop bits not supported", o.StopBits)
	}
	p, ok := parities[strings.ToUpper(strings.TrimSpace(o.Parity))]
	if !ok {
		return o, fmt.Errorf("transport: serial: unknown parity %q", o.Parity)
	}
	o.Parity = p

	if o.Window <= 0 {
		o.Window = DefaultSerialWindow
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 100
	}
	if o.ScanWindow <= 0 || o.ScanWindow > o.ScanInterval {
		o.ScanWindow = o.ScanInterval - 1
	}
	return o, nil
}

// Mode converts the options into the serial.Mode used to open the port.
func (o SerialOptions) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialTransport drives a scanning coprocessor over a line protocol:
//
//	host   → device: SCAN <ms> <interval> <window> | STOP
//	device → host:   ADV <mac> <rssi> <hex-mfg|-> | END | ERR <text>
//
// Every SCAN is answered by exactly one END, whether the window expired or
// was cancelled by STOP. In continuous mode a new window is requested
// immediately; a timed scan is over.
type SerialTransport struct {
	dispatcher
	opts   SerialOptions
	openFn PortOpener

	// scratch holds the decoded manufacturer payload; only the reader
	// goroutine touches it.
	scratch []byte

	mu         sync.Mutex
	port       SerialPort
	readerDone chan struct{}
	scanning   bool
	continuous bool
	windows    int // SCANs sent whose END has not arrived
}

// NewSerialTransport creates a serial transport. open may be nil to use the
// real UART.
func NewSerialTransport(opts SerialOptions, open PortOpener) *SerialTransport {
	if open == nil {
		open = OpenSerialPort
	}
	t := &SerialTransport{
		opts:    opts,
		openFn:  open,
		scratch: make([]byte, 0, 64),
	}
	t.dispatcher.init()
	return t
}

func (t *SerialTransport) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}

	opts, err := t.opts.Normalize()
	if err != nil {
		return &InitError{Backend: "serial", Err: err}
	}
	mode, err := opts.Mode()
	if err != nil {
		return &InitError{Backend: "serial", Err: err}
	}
	port, err := t.openFn(opts.Port, mode)
	if err != nil {
		return &InitError{Backend: "serial", Err: fmt.Errorf("open %s: %w", opts.Port, err)}
	}

	t.opts = opts
	t.port = port
	t.windows = 0
	t.readerDone = make(chan struct{})
	go t.readLoop(port, t.readerDone)

	slog.Info("[BLE] coprocessor opened", "backend", "serial", "port", opts.Port, "baud", opts.BaudRate)
	return nil
}

func (t *SerialTransport) End() error {
	err := t.StopScan()

	t.mu.Lock()
	port := t.port
	done := t.readerDone
	t.port = nil
	t.readerDone = nil
	t.mu.Unlock()

	if port == nil {
		return err
	}
	if closeErr := port.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("transport: serial close: %w", closeErr)
	}
	select {
	case <-done:
	case <-time.After(stopWait):
		slog.Warn("[BLE] serial reader did not exit", "wait", stopWait)
	}
	return err
}

func (t *SerialTransport) StartScan(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return ErrNotInitialized
	}
	if t.scanning {
		return nil
	}

	window := d
	continuous := d <= 0
	if continuous {
		window = t.opts.Window
	}
	if err := t.sendScanLocked(window); err != nil {
		return err
	}
	t.scanning = true
	t.continuous = continuous
	t.openGate()

	slog.Info("[BLE] scan started", "backend", "serial", "duration", d)
	return nil
}

func (t *SerialTransport) StopScan() error {
	t.mu.Lock()
	if !t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = false
	_, err := io.WriteString(t.port, "STOP\n")
	t.mu.Unlock()

	t.closeGate()
	if err != nil {
		return fmt.Errorf("transport: serial stop: %w", err)
	}
	slog.Info("[BLE] scan stopped", "backend", "serial")
	return nil
}

func (t *SerialTransport) IsScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

// sendScanLocked requests one scan window. Caller holds t.mu.
func (t *SerialTransport) sendScanLocked(window time.Duration) error {
	cmd := fmt.Sprintf("SCAN %d %d %d\n", window.Milliseconds(), t.opts.ScanInterval, t.opts.ScanWindow)
	if _, err := io.WriteString(t.port, cmd); err != nil {
		return fmt.Errorf("transport: serial scan: %w", err)
	}
	t.windows++
	return nil
}

func (t *SerialTransport) readLoop(port SerialPort, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		t.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		t.mu.Lock()
		closing := t.port != port
		t.mu.Unlock()
		if !closing {
			slog.Error("[BLE] serial read failed", "error", err)
		}
	}

	// The device is gone; nothing more will be delivered.
	t.mu.Lock()
	wasScanning := t.scanning && t.port == port
	if wasScanning {
		t.scanning = false
	}
	t.mu.Unlock()
	if wasScanning {
		t.closeGate()
	}
}

func (t *SerialTransport) handleLine(line []byte) {
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch string(fields[0]) {
	case "ADV":
		if len(fields) < 3 {
			return
		}
		rssi, err := strconv.Atoi(string(fields[2]))
		if err != nil {
			return
		}
		var mfg []byte
		if len(fields) > 3 && !bytes.Equal(fields[3], []byte("-")) {
			mfg, err = hex.AppendDecode(t.scratch[:0], fields[3])
			if err != nil {
				mfg = nil
			}
		}
		t.handle(string(fields[1]), mfg, rssi)

	case "END":
		t.onWindowEnd()

	case "ERR":
		msg := bytes.TrimPrefix(bytes.TrimSpace(line), []byte("ERR"))
		slog.Warn("[BLE] coprocessor error", "message", string(bytes.TrimSpace(msg)))
	}
}

func (t *SerialTransport) onWindowEnd() {
	t.mu.Lock()
	if t.windows > 0 {
		t.windows--
	}
	// Only the END of the latest window moves the scan on; earlier ones
	// belong to windows cancelled by STOP.
	if !t.scanning || t.windows > 0 {
		t.mu.Unlock()
		return
	}
	if t.continuous {
		err := t.sendScanLocked(t.opts.Window)
		t.mu.Unlock()
		if err != nil {
			slog.Warn("[BLE] scan window restart failed", "error", err)
		}
		return
	}
	t.scanning = false
	t.mu.Unlock()

	t.closeGate()
	slog.Info("[BLE] timed scan finished", "backend", "serial")
}

var _ Transport = (*SerialTransport)(nil)
