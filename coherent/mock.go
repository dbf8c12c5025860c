package coherent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/nasa-jpl/pemsrv/comm"
)

// ErrMockUnreachable is returned by the maker of an unreachable MockInstrument
var ErrMockUnreachable = errors.New("mock meter unreachable")

// MockInstrument is a fake meter speaking the wire protocol.  It satisfies
// io.ReadWriteCloser and stands in for the serial port; use Maker as the
// Config.Maker of a Meter.
//
// Replies are queued by Write and drained by Read.  When nothing is queued
// Read returns io.EOF, which the line reader reports as a timeout.
type MockInstrument struct {
	mu sync.Mutex

	variant Variant
	pending bytes.Buffer
	partial []byte

	// Commands holds every line received, in order
	Commands []string

	// Closes counts calls to Close
	Closes int

	// Silent drops every command without a reply, like a meter that is
	// powered off
	Silent bool

	// Unreachable makes Maker fail
	Unreachable bool

	// NextRead, if not empty, is sent verbatim (plus CRLF) as the reply to the
	// next READ? instead of a generated one
	NextRead string

	// Value is the base reading in base units
	Value float64

	IDN         string
	Mode        string
	Wavelength  float64
	GainComp    bool
	GainFactor  float64
	Range       float64
	AutoRange   bool
	TrigSource  string
	TrigLevel   float64
	TrigSlope   string
	TrigDelay   float64
	StatsOn     bool
	BatchSize   int
	PulsePeriod int
	Seq         int64
}

// NewMockInstrument returns a mock meter of the given variant in its power-on
// configuration
func NewMockInstrument(v Variant) *MockInstrument {
	m := &MockInstrument{
		variant:     v,
		Wavelength:  1064,
		GainFactor:  1,
		Range:       1,
		TrigSource:  "INT",
		TrigLevel:   2,
		TrigSlope:   "POS",
		BatchSize:   10,
		PulsePeriod: 1000,
	}
	switch v {
	case EnergyMax:
		m.IDN = "Coherent, Inc - EnergyMax-USB J-10MB-LE - 1.0.2 - Oct 10 2017"
		m.Mode = "J"
		m.Value = 1.5e-3
	case PowerMax:
		m.IDN = "Coherent, Inc - PowerMax-USB PM10 - 2.0.4 - Jan 22 2018"
		m.Mode = "W"
		m.Value = 0.25
		m.AutoRange = true
	default:
		m.IDN = "Coherent, Inc - FieldMaxII - 1.0.0"
		m.Mode = "W"
	}
	return m
}

// Maker returns a CreationFunc yielding the mock.  Every connection is the
// same instrument, so its settings survive a reconnect.
func (m *MockInstrument) Maker() comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.Unreachable {
			return nil, ErrMockUnreachable
		}
		return m, nil
	}
}

// Set mutates the mock under its lock, for use by tests while a Meter is
// talking to it
func (m *MockInstrument) Set(fcn func(m *MockInstrument)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fcn(m)
}

// Received returns a copy of the lines received so far
func (m *MockInstrument) Received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Commands))
	copy(out, m.Commands)
	return out
}

// Last returns the last line received, or "" if none
func (m *MockInstrument) Last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Commands) == 0 {
		return ""
	}
	return m.Commands[len(m.Commands)-1]
}

// Write accepts CR terminated commands.  A command split across writes is
// held until its terminator arrives.
func (m *MockInstrument) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partial = append(m.partial, b...)
	for {
		idx := bytes.IndexByte(m.partial, '\r')
		if idx < 0 {
			break
		}
		line := string(m.partial[:idx])
		m.partial = m.partial[idx+1:]
		m.Commands = append(m.Commands, line)
		if m.Silent {
			continue
		}
		if reply, ok := m.handle(line); ok {
			m.pending.WriteString(reply)
			m.pending.WriteString("\r\n")
		}
	}
	return len(b), nil
}

// Read drains queued replies
func (m *MockInstrument) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending.Len() == 0 {
		return 0, io.EOF
	}
	return m.pending.Read(b)
}

// Close discards anything queued.  The mock remains usable.
func (m *MockInstrument) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending.Reset()
	m.partial = nil
	m.Closes++
	return nil
}

func sci(f float64) string {
	return strconv.FormatFloat(f, 'E', 6, 64)
}

func onOffWire(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func parseOnOff(s string) (bool, bool) {
	switch strings.ToUpper(s) {
	case "ON", "1":
		return true, true
	case "OFF", "0":
		return false, true
	}
	return false, false
}

// handle executes one command and returns its reply, if it has one.
// Unknown queries are not answered, as the hardware does.
func (m *MockInstrument) handle(line string) (string, bool) {
	header, arg := line, ""
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		header, arg = line[:idx], strings.TrimSpace(line[idx+1:])
	}
	header = strings.ToUpper(header)
	energy := m.variant == EnergyMax
	power := m.variant == PowerMax

	switch header {
	case "*IDN?":
		return m.IDN, true
	case "READ?":
		return m.read(), true
	}

	if (energy && header == "CONFIGURE:MEASURE:TYPE?") || (power && header == "CONFIGURE:MEASURE?") {
		return m.Mode, true
	}
	if (energy && header == "CONFIGURE:MEASURE:TYPE") || (power && header == "CONFIGURE:MEASURE") {
		if a := strings.ToUpper(arg); a == "J" || a == "W" {
			m.Mode = a
		}
		return "", false
	}

	num := func(dst *float64) {
		if f, err := strconv.ParseFloat(arg, 64); err == nil {
			*dst = f
		}
	}
	flag := func(dst *bool) {
		if b, ok := parseOnOff(arg); ok {
			*dst = b
		}
	}
	choice := func(dst *string, choices ...string) {
		a := strings.ToUpper(arg)
		for _, c := range choices {
			if a == c {
				*dst = c
			}
		}
	}

	switch header {
	case "CONFIGURE:WAVELENGTH?":
		return sci(m.Wavelength), true
	case "CONFIGURE:WAVELENGTH":
		num(&m.Wavelength)
	case "CONFIGURE:GAIN:COMPENSATION?":
		return onOffWire(m.GainComp), true
	case "CONFIGURE:GAIN:COMPENSATION":
		flag(&m.GainComp)
	case "CONFIGURE:GAIN:FACTOR?":
		return sci(m.GainFactor), true
	case "CONFIGURE:GAIN:FACTOR":
		num(&m.GainFactor)
	case "CONFIGURE:RANGE:SELECT?":
		return sci(m.Range), true
	case "CONFIGURE:RANGE:SELECT":
		num(&m.Range)
	}

	if energy {
		switch header {
		case "TRIGGER:SOURCE?":
			return m.TrigSource, true
		case "TRIGGER:SOURCE":
			choice(&m.TrigSource, "INT", "EXT")
		case "TRIGGER:LEVEL?":
			return sci(m.TrigLevel), true
		case "TRIGGER:LEVEL":
			num(&m.TrigLevel)
		case "TRIGGER:SLOPE?":
			return m.TrigSlope, true
		case "TRIGGER:SLOPE":
			choice(&m.TrigSlope, "POS", "NEG")
		case "TRIGGER:DELAY?":
			return sci(m.TrigDelay), true
		case "TRIGGER:DELAY":
			num(&m.TrigDelay)
		case "CONFIGURE:STATISTICS:STATE?":
			return onOffWire(m.StatsOn), true
		case "CONFIGURE:STATISTICS:STATE":
			flag(&m.StatsOn)
		case "CONFIGURE:STATISTICS:BSIZE?":
			return strconv.Itoa(m.BatchSize), true
		case "CONFIGURE:STATISTICS:BSIZE":
			if n, err := strconv.Atoi(arg); err == nil && n > 0 {
				m.BatchSize = n
			}
		}
	}

	if power {
		switch header {
		case "CONFIGURE:RANGE:AUTO?":
			return onOffWire(m.AutoRange), true
		case "CONFIGURE:RANGE:AUTO":
			flag(&m.AutoRange)
		}
	}
	return "", false
}

func (m *MockInstrument) read() string {
	if m.NextRead != "" {
		r := m.NextRead
		m.NextRead = ""
		return r
	}
	m.Seq++
	v := m.Value
	switch {
	case m.variant == EnergyMax && m.StatsOn:
		return fmt.Sprintf("%s,%s,%s,%s,%s,%d,0,%d",
			sci(v), sci(v*0.9), sci(v*1.1), sci(v*0.01), sci(v*float64(m.BatchSize)), 0, m.Seq)
	case m.variant == EnergyMax:
		return fmt.Sprintf("%s,%d,0,%d", sci(v), m.PulsePeriod, m.Seq)
	}
	return fmt.Sprintf("%s,0,%d", sci(v), m.Seq)
}
