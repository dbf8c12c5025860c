/*Package coherent contains code for operating Coherent EnergyMax and PowerMax
laser energy and power meters.

The meters speak a SCPI-like ASCII protocol: one carriage return terminated
command out, at most one line back.  A Meter identifies the family of the
connected sensor with *IDN? and from then on exposes the attributes that
family supports.  Each READ? reply is decoded into a Sample; the fields of
the last good Sample are cached and serve the statistic attributes without
another trip to the meter.
*/
package coherent

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/pemsrv/comm"
	"github.com/nasa-jpl/pemsrv/scpi"
)

// State is the lifecycle state of a Meter
type State string

const (
	// StateInit is held while connecting
	StateInit State = "INIT"

	// StateOn means the meter is identified and answering
	StateOn State = "ON"

	// StateOff means the last connection attempt failed
	StateOff State = "OFF"
)

const (
	// DefaultBaud is used for serial connections when Config.Baud is zero.
	// The meters enumerate as USB CDC devices and ignore it.
	DefaultBaud = 9600

	// DefaultReadTimeout bounds every reply
	DefaultReadTimeout = time.Second

	// DefaultHistoryDepth is the number of polled readings kept
	DefaultHistoryDepth = 100
)

var (
	triggerSources = []string{"INT", "EXT"}
	triggerSlopes  = []string{"POS", "NEG"}
)

// Config holds the connection parameters of a Meter
type Config struct {
	// Addr is a serial device, e.g. /dev/ttyACM0, or host:port of a terminal server
	Addr string

	// Serial selects a serial port (true) or TCP (false)
	Serial bool

	Baud        int
	ReadTimeout time.Duration

	// IdleTimeout closes the port after this long without traffic, never if zero
	IdleTimeout time.Duration

	// RateLimit is the maximum number of exchanges per second, unlimited if zero
	RateLimit float64

	HistoryDepth int

	// Maker overrides the connection made from Addr and Serial, e.g. with a
	// MockInstrument
	Maker comm.CreationFunc
}

// Meter is a Coherent EnergyMax or PowerMax meter
type Meter struct {
	addr string
	scpi *scpi.SCPI

	// xmu orders exchanges whose meaning depends on the statistics flag
	xmu sync.Mutex

	mu        sync.RWMutex
	state     State
	status    string
	idn       string
	variant   Variant
	statsMode bool
	mode      MeasureMode
	scale     UnitScale

	cache SampleCache
	hist  *History
}

// NewMeter creates a new Meter.  It does not connect; call Connect.
func NewMeter(cfg Config) *Meter {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.HistoryDepth == 0 {
		cfg.HistoryDepth = DefaultHistoryDepth
	}
	maker := cfg.Maker
	if maker == nil {
		if cfg.Serial {
			maker = comm.SerialMaker(comm.SerialConf(cfg.Addr, cfg.Baud, cfg.ReadTimeout))
		} else {
			maker = comm.TCPMaker(cfg.Addr, 3*time.Second)
		}
		maker = comm.Backoff(maker, cfg.Addr)
	}
	s := &scpi.SCPI{
		Pool:    comm.NewPool(1, cfg.IdleTimeout, maker),
		Tx:      '\r',
		Rx:      '\n',
		Timeout: cfg.ReadTimeout,
	}
	if cfg.RateLimit > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Meter{
		addr:   cfg.Addr,
		scpi:   s,
		state:  StateOff,
		status: "The device is in OFF state",
		hist:   NewHistory(cfg.HistoryDepth),
	}
}

// Connect identifies the meter and brings it ON.  On failure the meter is
// OFF, the returned error is a *ConnectionError, and every instrument
// operation returns ErrOffline until a later Connect succeeds.
func (m *Meter) Connect() error {
	m.xmu.Lock()
	defer m.xmu.Unlock()
	m.mu.Lock()
	m.state = StateInit
	m.status = "The device is in INIT state"
	m.mu.Unlock()
	m.cache.Reset()
	m.scpi.Pool.Close()

	zap.L().Info("connecting to meter", zap.String("addr", m.addr))
	idn, err := m.scpi.ReadString("*IDN?")
	var v Variant
	if err == nil {
		v, err = ParseVariant(idn)
	}
	if err != nil {
		cerr := &ConnectionError{Addr: m.addr, Err: err}
		m.mu.Lock()
		m.state = StateOff
		m.status = "The device is in OFF state: " + cerr.Error()
		m.variant = VariantUnknown
		m.idn = ""
		m.mu.Unlock()
		zap.L().Error("could not connect to meter", zap.String("addr", m.addr), zap.Error(err))
		return cerr
	}

	statsMode := false
	mode := ModePower
	if v == EnergyMax {
		mode = ModeEnergy
		on, err := m.scpi.ReadBool("CONFigure:STATistics:STATe?")
		if err != nil {
			zap.L().Warn("could not query statistics mode, assuming off", zap.Error(err))
		} else {
			statsMode = on
		}
	}
	if idx, err := m.scpi.ReadEnum(modeWire, modeQuery(v)); err != nil {
		zap.L().Warn("could not query measure mode", zap.Error(err))
	} else {
		mode = MeasureMode(idx)
	}

	m.mu.Lock()
	m.idn = idn
	m.variant = v
	m.statsMode = statsMode
	m.mode = mode
	m.state = StateOn
	m.status = "The device is in ON state"
	m.mu.Unlock()
	zap.L().Info("connected to meter", zap.String("addr", m.addr), zap.String("id", idn),
		zap.Stringer("variant", v), zap.Bool("statistics", statsMode))
	return nil
}

// Close frees the connection to the meter and turns it OFF
func (m *Meter) Close() error {
	m.mu.Lock()
	m.state = StateOff
	m.status = "The device is in OFF state"
	m.mu.Unlock()
	return m.scpi.Pool.Close()
}

// require returns the variant if the meter is ON and has the attribute
func (m *Meter) require(name string) (Variant, error) {
	m.mu.RLock()
	state, v := m.state, m.variant
	m.mu.RUnlock()
	if state != StateOn {
		return v, ErrOffline
	}
	if a, ok := LookupAttribute(name); ok && !a.SupportedBy(v) {
		return v, fmt.Errorf("%s: %w", name, ErrNotSupported)
	}
	return v, nil
}

// Supports returns nil if the attribute can be used now, ErrOffline or
// ErrNotSupported otherwise.  Attributes local to the server are always
// usable.
func (m *Meter) Supports(name string) error {
	a, ok := LookupAttribute(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotSupported)
	}
	if len(a.Variants) == 0 {
		return nil
	}
	_, err := m.require(name)
	return err
}

// Addr is the address the meter is reached at
func (m *Meter) Addr() string {
	return m.addr
}

// Variant is the family of the connected meter, VariantUnknown if never connected
func (m *Meter) Variant() Variant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.variant
}

// Attributes lists the attributes the connected meter exposes
func (m *Meter) Attributes() []Attribute {
	return AttributesFor(m.Variant())
}

// Identity returns the *IDN? reply recorded at connection
func (m *Meter) Identity() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idn, nil
}

// State returns the lifecycle state
func (m *Meter) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns the human readable status
func (m *Meter) Status() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// History is the buffer polled readings are kept in
func (m *Meter) History() *History {
	return m.hist
}

// HistoryPoller returns a Poller that feeds the history every interval.
// Ticks do nothing unless the meter was last identified as a PowerMax.
func (m *Meter) HistoryPoller(interval time.Duration) *Poller {
	p := NewPoller(m, m.hist, interval)
	p.Active = func() bool { return m.Variant() == PowerMax }
	return p
}

// Read takes a measurement.  The sample is in base units.  On success it
// replaces the cached sample; on failure the cache is left as it was.
func (m *Meter) Read() (Sample, error) {
	// Connect holds xmu, so the variant and flag cannot change under the read
	m.xmu.Lock()
	defer m.xmu.Unlock()
	v, err := m.require("value")
	if err != nil {
		return Sample{}, err
	}
	m.mu.RLock()
	statsMode := m.statsMode
	m.mu.RUnlock()

	line, err := m.scpi.ReadString("READ?")
	if err != nil {
		return Sample{}, err
	}
	s, err := DecodeSample(line, v, statsMode)
	if err != nil {
		zap.L().Warn("discarding malformed measurement", zap.String("reply", line), zap.Error(err))
		return Sample{}, err
	}
	m.cache.Store(s, time.Now())
	return s, nil
}

// Reading is a scaled sample with its unit, as presented to clients
type Reading struct {
	Sample
	Unit    string    `json:"unit"`
	Variant Variant   `json:"variant"`
	Time    time.Time `json:"time"`
}

// Reading takes a measurement and scales it to the current unit
func (m *Meter) Reading() (Reading, error) {
	s, err := m.Read()
	if err != nil {
		return Reading{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Reading{
		Sample:  s.Scaled(m.scale),
		Unit:    m.scale.Unit(m.mode),
		Variant: m.variant,
		Time:    time.Now()}, nil
}

// Value takes a measurement and returns the primary value in the current unit
func (m *Meter) Value() (float64, error) {
	s, err := m.Read()
	if err != nil {
		return 0, err
	}
	return s.Primary * m.scaleFactor(), nil
}

func (m *Meter) scaleFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scale.Factor()
}

// Unit returns the unit values are reported in, e.g. mJ
func (m *Meter) Unit() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scale.Unit(m.mode), nil
}

// GetUnitScale returns the display sub-unit, 0 (base), 1 (milli) or 2 (micro)
func (m *Meter) GetUnitScale() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.scale), nil
}

// SetUnitScale sets the display sub-unit.  Only later reads are affected.
func (m *Meter) SetUnitScale(i int) error {
	s := UnitScale(i)
	if !s.Valid() {
		return fmt.Errorf("%w: unit scale must be 0, 1 or 2, got %d", ErrBadValue, i)
	}
	m.mu.Lock()
	m.scale = s
	m.mu.Unlock()
	return nil
}

func modeQuery(v Variant) string {
	if v == EnergyMax {
		return "CONFigure:MEASure:TYPE?"
	}
	return "CONFigure:MEASure?"
}

func modeCommand(v Variant) string {
	if v == EnergyMax {
		return "CONFigure:MEASure:TYPE"
	}
	return "CONFigure:MEASure"
}

// GetMode queries the measurement mode, 0 (energy) or 1 (power).  The unit
// follows the answer.
func (m *Meter) GetMode() (int, error) {
	v, err := m.require("mode")
	if err != nil {
		return 0, err
	}
	idx, err := m.scpi.ReadEnum(modeWire, modeQuery(v))
	if err != nil {
		return 0, err
	}
	mode := MeasureMode(idx)
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	return int(mode), nil
}

// SetMode sets the measurement mode, 0 (energy) or 1 (power)
func (m *Meter) SetMode(i int) error {
	v, err := m.require("mode")
	if err != nil {
		return err
	}
	if i != int(ModeEnergy) && i != int(ModePower) {
		return fmt.Errorf("%w: mode must be 0 or 1, got %d", ErrBadValue, i)
	}
	mode := MeasureMode(i)
	if err = m.scpi.Write(modeCommand(v), modeWire[mode]); err != nil {
		return err
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func (m *Meter) getFloat(name, query string) (float64, error) {
	if _, err := m.require(name); err != nil {
		return 0, err
	}
	return m.scpi.ReadFloat(query)
}

func (m *Meter) setFloat(name, cmd string, f float64) error {
	if _, err := m.require(name); err != nil {
		return err
	}
	return m.scpi.Write(cmd, formatFloat(f))
}

func (m *Meter) getBool(name, query string) (bool, error) {
	if _, err := m.require(name); err != nil {
		return false, err
	}
	return m.scpi.ReadBool(query)
}

func (m *Meter) setBool(name, cmd string, b bool) error {
	if _, err := m.require(name); err != nil {
		return err
	}
	return m.scpi.Write(cmd, onOff(b))
}

func (m *Meter) getEnum(name, query string, choices []string) (int, error) {
	if _, err := m.require(name); err != nil {
		return 0, err
	}
	return m.scpi.ReadEnum(choices, query)
}

func (m *Meter) setEnum(name, cmd string, choices []string, i int) error {
	if _, err := m.require(name); err != nil {
		return err
	}
	if i < 0 || i >= len(choices) {
		return fmt.Errorf("%w: %s must be in [0,%d], got %d", ErrBadValue, name, len(choices)-1, i)
	}
	return m.scpi.Write(cmd, choices[i])
}

// GetWavelength queries the wavelength correction in nm
func (m *Meter) GetWavelength() (float64, error) {
	return m.getFloat("wavelength", "CONFigure:WAVElength?")
}

// SetWavelength sets the wavelength correction in nm
func (m *Meter) SetWavelength(nm float64) error {
	return m.setFloat("wavelength", "CONFigure:WAVElength", nm)
}

// GetGainCompensation queries if gain compensation is enabled
func (m *Meter) GetGainCompensation() (bool, error) {
	return m.getBool("gain-compensation", "CONFigure:GAIN:COMPensation?")
}

// SetGainCompensation enables or disables gain compensation
func (m *Meter) SetGainCompensation(b bool) error {
	return m.setBool("gain-compensation", "CONFigure:GAIN:COMPensation", b)
}

// GetGainFactor queries the gain compensation factor
func (m *Meter) GetGainFactor() (float64, error) {
	return m.getFloat("gain-factor", "CONFigure:GAIN:FACTor?")
}

// SetGainFactor sets the gain compensation factor
func (m *Meter) SetGainFactor(f float64) error {
	return m.setFloat("gain-factor", "CONFigure:GAIN:FACTor", f)
}

// GetRange queries the measurement range in base units
func (m *Meter) GetRange() (float64, error) {
	return m.getFloat("range", "CONFigure:RANGe:SELect?")
}

// SetRange selects the measurement range in base units.  The meter picks
// the smallest range that holds the value.
func (m *Meter) SetRange(f float64) error {
	return m.setFloat("range", "CONFigure:RANGe:SELect", f)
}

// GetAutoRange queries if a PowerMax selects its range automatically
func (m *Meter) GetAutoRange() (bool, error) {
	return m.getBool("auto-range", "CONFigure:RANGe:AUTO?")
}

// SetAutoRange enables or disables automatic range selection on a PowerMax
func (m *Meter) SetAutoRange(b bool) error {
	return m.setBool("auto-range", "CONFigure:RANGe:AUTO", b)
}

// GetTriggerSource queries the trigger source, 0 (internal) or 1 (external)
func (m *Meter) GetTriggerSource() (int, error) {
	return m.getEnum("trigger/source", "TRIGger:SOURce?", triggerSources)
}

// SetTriggerSource sets the trigger source, 0 (internal) or 1 (external)
func (m *Meter) SetTriggerSource(i int) error {
	return m.setEnum("trigger/source", "TRIGger:SOURce", triggerSources, i)
}

// GetTriggerLevel queries the trigger level in percent
func (m *Meter) GetTriggerLevel() (float64, error) {
	return m.getFloat("trigger/level", "TRIGger:LEVel?")
}

// SetTriggerLevel sets the trigger level in percent
func (m *Meter) SetTriggerLevel(pct float64) error {
	return m.setFloat("trigger/level", "TRIGger:LEVel", pct)
}

// GetTriggerSlope queries the external trigger edge, 0 (positive) or 1 (negative)
func (m *Meter) GetTriggerSlope() (int, error) {
	return m.getEnum("trigger/slope", "TRIGger:SLOPe?", triggerSlopes)
}

// SetTriggerSlope sets the external trigger edge, 0 (positive) or 1 (negative)
func (m *Meter) SetTriggerSlope(i int) error {
	return m.setEnum("trigger/slope", "TRIGger:SLOPe", triggerSlopes, i)
}

// GetTriggerDelay queries the trigger delay in microseconds
func (m *Meter) GetTriggerDelay() (float64, error) {
	return m.getFloat("trigger/delay", "TRIGger:DELay?")
}

// SetTriggerDelay sets the trigger delay in microseconds
func (m *Meter) SetTriggerDelay(us float64) error {
	return m.setFloat("trigger/delay", "TRIGger:DELay", us)
}

// GetStatisticsEnabled returns the statistics mode last written, or read at
// connection.  It does not query the meter.
func (m *Meter) GetStatisticsEnabled() (bool, error) {
	if _, err := m.require("statistics/enabled"); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statsMode, nil
}

// SetStatisticsEnabled turns batch statistics on or off.  Every later READ?
// is decoded with the layout the new mode implies.
func (m *Meter) SetStatisticsEnabled(b bool) error {
	if _, err := m.require("statistics/enabled"); err != nil {
		return err
	}
	m.xmu.Lock()
	defer m.xmu.Unlock()
	if err := m.scpi.Write("CONFigure:STATistics:STATe", onOff(b)); err != nil {
		return err
	}
	m.mu.Lock()
	m.statsMode = b
	m.mu.Unlock()
	return nil
}

// GetBatchSize queries the number of pulses per statistics batch
func (m *Meter) GetBatchSize() (int, error) {
	if _, err := m.require("statistics/batch-size"); err != nil {
		return 0, err
	}
	return m.scpi.ReadInt("CONFigure:STATistics:BSIZe?")
}

// SetBatchSize sets the number of pulses per statistics batch
func (m *Meter) SetBatchSize(n int) error {
	if _, err := m.require("statistics/batch-size"); err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrBadValue, n)
	}
	return m.scpi.Write("CONFigure:STATistics:BSIZe", strconv.Itoa(n))
}

// cached returns the last sample after checking the attribute is usable
func (m *Meter) cached(name string) (Sample, error) {
	if _, err := m.require(name); err != nil {
		return Sample{}, err
	}
	s, _, err := m.cache.Load()
	return s, err
}

func (m *Meter) cachedStats(name string) (Statistics, error) {
	s, err := m.cached(name)
	if err != nil {
		return Statistics{}, err
	}
	if s.Stats == nil {
		return Statistics{}, fmt.Errorf("%s: %w", name, ErrFieldUnavailable)
	}
	return *s.Scaled(m.currentScale()).Stats, nil
}

func (m *Meter) currentScale() UnitScale {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scale
}

// LastSample returns the cached sample, scaled, and when it was taken
func (m *Meter) LastSample() (Sample, time.Time, error) {
	s, at, err := m.cache.Load()
	if err != nil {
		return Sample{}, at, err
	}
	return s.Scaled(m.currentScale()), at, nil
}

// StatMin is the batch minimum of the last measurement in the current unit
func (m *Meter) StatMin() (float64, error) {
	st, err := m.cachedStats("statistics/min")
	return st.Min, err
}

// StatMax is the batch maximum of the last measurement in the current unit
func (m *Meter) StatMax() (float64, error) {
	st, err := m.cachedStats("statistics/max")
	return st.Max, err
}

// StatStd is the batch standard deviation of the last measurement in the current unit
func (m *Meter) StatStd() (float64, error) {
	st, err := m.cachedStats("statistics/std")
	return st.Std, err
}

// StatDose is the batch dose of the last measurement in the current unit
func (m *Meter) StatDose() (float64, error) {
	st, err := m.cachedStats("statistics/dose")
	return st.Dose, err
}

// StatMissed is the number of pulses missed in the batch of the last measurement
func (m *Meter) StatMissed() (int, error) {
	st, err := m.cachedStats("statistics/missed")
	return st.Missed, err
}

// Period is the pulse period of the last measurement
func (m *Meter) Period() (int, error) {
	s, err := m.cached("period")
	if err != nil {
		return 0, err
	}
	if s.Period == nil {
		return 0, fmt.Errorf("period: %w", ErrFieldUnavailable)
	}
	return *s.Period, nil
}

// SeqID is the sequence ID of the last measurement
func (m *Meter) SeqID() (int, error) {
	s, err := m.cached("seqid")
	return int(s.SeqID), err
}

func (m *Meter) historyStats(name string) (RollingStats, error) {
	if _, err := m.require(name); err != nil {
		return RollingStats{}, err
	}
	st, err := m.hist.Stats()
	if err != nil {
		return st, err
	}
	return st.Scaled(m.currentScale()), nil
}

// HistoryMean is the mean of the polled history in the current unit
func (m *Meter) HistoryMean() (float64, error) {
	st, err := m.historyStats("history/mean")
	return st.Mean, err
}

// HistoryMin is the minimum of the polled history in the current unit
func (m *Meter) HistoryMin() (float64, error) {
	st, err := m.historyStats("history/min")
	return st.Min, err
}

// HistoryMax is the maximum of the polled history in the current unit
func (m *Meter) HistoryMax() (float64, error) {
	st, err := m.historyStats("history/max")
	return st.Max, err
}

// HistoryStdPercent is the standard deviation of the polled history as a
// percentage of its mean
func (m *Meter) HistoryStdPercent() (float64, error) {
	st, err := m.historyStats("history/std-percent")
	if err != nil {
		return 0, err
	}
	return st.StdPercent()
}

// GetHistoryDepth returns the number of polled readings kept
func (m *Meter) GetHistoryDepth() (int, error) {
	if _, err := m.require("history/depth"); err != nil {
		return 0, err
	}
	return m.hist.Depth(), nil
}

// SetHistoryDepth resizes the polled history, discarding it
func (m *Meter) SetHistoryDepth(n int) error {
	if _, err := m.require("history/depth"); err != nil {
		return err
	}
	return m.hist.SetDepth(n)
}

// Command forwards a line to the meter verbatim and reads nothing back
func (m *Meter) Command(line string) error {
	if _, err := m.require("command"); err != nil {
		return err
	}
	return m.scpi.Write(line)
}

// Query forwards a line to the meter verbatim and returns the reply line
func (m *Meter) Query(line string) (string, error) {
	if _, err := m.require("query"); err != nil {
		return "", err
	}
	return m.scpi.ReadString(line)
}
