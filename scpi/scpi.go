// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/pemsrv/comm"
)

const (
	// DefaultTimeout bounds a single exchange on connections that support deadlines
	DefaultTimeout = time.Second
)

// ErrEmptyReply is generated when a query is answered with a blank line
var ErrEmptyReply = errors.New("empty reply")

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Tx and Rx are the line terminators, carriage return and line feed if zero
	Tx, Rx byte

	// Timeout bounds each exchange, DefaultTimeout if zero
	Timeout time.Duration

	// Limiter, if not nil, spaces exchanges so the device is not flooded
	Limiter *rate.Limiter
}

func (s *SCPI) wrap(conn io.ReadWriter) (*comm.Terminator, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if err := comm.SetDeadline(conn, timeout); err != nil {
		return nil, err
	}
	tx, rx := s.Tx, s.Rx
	if tx == 0 {
		tx = '\r'
	}
	if rx == 0 {
		rx = '\n'
	}
	return comm.NewTerminator(conn, tx, rx), nil
}

func (s *SCPI) throttle() {
	if s.Limiter != nil {
		time.Sleep(s.Limiter.Reserve().Delay())
	}
}

// Write sends a command to the device.  No reply is read; it
// is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	s.throttle()
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap, err := s.wrap(conn)
	if err != nil {
		return err
	}
	_, err = io.WriteString(wrap, strings.Join(cmds, " "))
	return err
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	var resp []byte
	s.throttle()
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap, err := s.wrap(conn)
	if err != nil {
		return resp, err
	}
	_, err = io.WriteString(wrap, strings.Join(cmds, " "))
	if err != nil {
		return resp, err
	}
	resp, err = wrap.ReadLine()
	return resp, err
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string with surrounding
// whitespace removed
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp)), nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean.  ON and OFF are understood
// in addition to the forms strconv.ParseBool accepts.
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(resp) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return strconv.ParseBool(resp)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

// ReadEnum sends a query and returns the index of the reply in choices,
// compared case insensitively
func (s *SCPI) ReadEnum(choices []string, cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	if resp == "" {
		return 0, ErrEmptyReply
	}
	for i, c := range choices {
		if strings.EqualFold(resp, c) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("reply %q is not one of %v", resp, choices)
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}
