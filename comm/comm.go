/*Package comm provides the line transport used to talk to lab hardware.

Connections are made by a CreationFunc, held in a Pool, and exchanged over with
a Terminator, which frames outbound lines and splits inbound ones.  Most
usages look like:

	maker := comm.Backoff(comm.SerialMaker(comm.SerialConf("/dev/ttyACM0", 9600, time.Second)), "/dev/ttyACM0")
	pool := comm.NewPool(1, time.Minute, maker)
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(conn, '\r', '\n')
	_, err = io.WriteString(wrap, "*IDN?")
	...
	line, err := wrap.ReadLine()

The remote is assumed half-duplex: one line out, one line back.
*/
package comm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const (
	// DefaultMaxLine is the longest reply line a Terminator will accept
	DefaultMaxLine = 1024
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the stream ends before the termination byte
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrLineTooLong is generated when a reply exceeds the line limit without a terminator
	ErrLineTooLong = errors.New("reply line too long")

	// ErrTimeout is generated when a read returned no data and no error,
	// which is how some serial drivers report an expired read timeout
	ErrTimeout = errors.New("read timeout")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// SerialConf returns a serial config for an 8N1 port with the given read timeout
func SerialConf(addr string, baud int, readTimeout time.Duration) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout}
}

// SerialMaker returns a CreationFunc that opens the serial port described by
// conf and discards anything sitting in its buffers
func SerialMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		port, err := serial.OpenPort(conf)
		if err != nil {
			return nil, err
		}
		if err = port.Flush(); err != nil {
			port.Close()
			return nil, err
		}
		return port, nil
	}
}

// TCPMaker returns a CreationFunc that dials addr, e.g. a port on a
// terminal server, with a connect timeout
func TCPMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return net.DialTimeout("tcp", addr, timeout)
	}
}

// Backoff wraps maker in an exponential backoff.  Some hardware does not
// like being connection thrashed, and USB serial devices take a moment
// to re-enumerate.  Errors that retrying cannot fix end the retry early.
func Backoff(maker CreationFunc, addr string) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn io.ReadWriteCloser
		op := func() error {
			c, err := maker()
			if err != nil {
				if permanent(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				err = perm.Err
			}
			return nil, fmt.Errorf("connection to %s failed: %w", addr, err)
		}
		return conn, nil
	}
}

func permanent(err error) bool {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "refused")
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// SetDeadline sets a read/write deadline timeout from now on rw if it
// supports deadlines (net.Conn does).  Serial ports carry their timeout
// in their config and are left alone.
func SetDeadline(rw io.ReadWriter, timeout time.Duration) error {
	if d, ok := rw.(deadliner); ok {
		return d.SetDeadline(time.Now().Add(timeout))
	}
	return nil
}

// Terminator frames lines on a ReadWriter.  Writes have the Tx byte appended,
// reads consume up to and including the Rx byte and strip it along with
// any trailing carriage return.
type Terminator struct {
	rw io.ReadWriter
	tx byte
	rx byte

	// MaxLine bounds the length of a reply
	MaxLine int
}

// NewTerminator returns a Terminator around rw
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, tx: tx, rx: rx, MaxLine: DefaultMaxLine}
}

// Write sends b followed by the Tx terminator as a single write
func (t *Terminator) Write(b []byte) (int, error) {
	if t.rw == nil {
		return 0, ErrNotConnected
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// ReadLine reads a single line.  It reads one byte at a time so nothing past
// the terminator is consumed from the remote.
func (t *Terminator) ReadLine() ([]byte, error) {
	if t.rw == nil {
		return nil, ErrNotConnected
	}
	var (
		line []byte
		one  [1]byte
	)
	for {
		n, err := t.rw.Read(one[:])
		if n == 1 {
			if one[0] == t.rx {
				return bytes.TrimRight(line, "\r\n"), nil
			}
			line = append(line, one[0])
			if len(line) > t.MaxLine {
				return line, ErrLineTooLong
			}
			continue
		}
		if err == nil {
			return line, ErrTimeout
		}
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return line, ErrTimeout
			}
			return line, ErrTerminatorNotFound
		}
		return line, err
	}
}

// Read reads one line into p, see ReadLine
func (t *Terminator) Read(p []byte) (int, error) {
	line, err := t.ReadLine()
	if err != nil {
		return 0, err
	}
	if len(line) > len(p) {
		return copy(p, line), ErrLineTooLong
	}
	return copy(p, line), nil
}
