package coherent

import (
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/pemsrv/comm"
)

func connected(t *testing.T, v Variant) (*Meter, *MockInstrument) {
	t.Helper()
	mock := NewMockInstrument(v)
	m := NewMeter(Config{Addr: "mock", Maker: mock.Maker(), HistoryDepth: 5})
	require.NoError(t, m.Connect())
	return m, mock
}

func TestConnectIdentifiesEnergyMax(t *testing.T) {
	m, mock := connected(t, EnergyMax)
	assert.Equal(t, StateOn, m.State())
	assert.Equal(t, EnergyMax, m.Variant())
	idn, err := m.Identity()
	require.NoError(t, err)
	assert.Equal(t, mock.IDN, idn)
	assert.Contains(t, mock.Received(), "CONFigure:STATistics:STATe?")
	unit, _ := m.Unit()
	assert.Equal(t, "J", unit)
}

func TestConnectIdentifiesPowerMax(t *testing.T) {
	m, mock := connected(t, PowerMax)
	assert.Equal(t, PowerMax, m.Variant())
	assert.NotContains(t, mock.Received(), "CONFigure:STATistics:STATe?")
	unit, _ := m.Unit()
	assert.Equal(t, "W", unit)
}

func TestConnectSyncsStatisticsFlag(t *testing.T) {
	mock := NewMockInstrument(EnergyMax)
	mock.StatsOn = true
	m := NewMeter(Config{Addr: "mock", Maker: mock.Maker()})
	require.NoError(t, m.Connect())
	on, err := m.GetStatisticsEnabled()
	require.NoError(t, err)
	assert.True(t, on)

	s, err := m.Read()
	require.NoError(t, err)
	assert.NotNil(t, s.Stats)
}

func TestConnectFailures(t *testing.T) {
	t.Run("unknown meter", func(t *testing.T) {
		mock := NewMockInstrument(VariantUnknown)
		m := NewMeter(Config{Addr: "mock", Maker: mock.Maker()})
		err := m.Connect()
		var ce *ConnectionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "mock", ce.Addr)
		assert.True(t, errors.Is(err, ErrUnknownVariant))
		assert.Equal(t, StateOff, m.State())
	})
	t.Run("unreachable", func(t *testing.T) {
		mock := NewMockInstrument(PowerMax)
		mock.Unreachable = true
		m := NewMeter(Config{Addr: "mock", Maker: mock.Maker()})
		err := m.Connect()
		assert.True(t, errors.Is(err, ErrMockUnreachable))
		assert.Equal(t, StateOff, m.State())
		assert.Contains(t, m.Status(), "OFF")
	})
	t.Run("silent", func(t *testing.T) {
		mock := NewMockInstrument(PowerMax)
		mock.Silent = true
		m := NewMeter(Config{Addr: "mock", Maker: mock.Maker()})
		var ce *ConnectionError
		assert.True(t, errors.As(m.Connect(), &ce))
	})
}

func TestOfflineOperationsDoNotTouchTransport(t *testing.T) {
	mock := NewMockInstrument(EnergyMax)
	mock.Unreachable = true
	m := NewMeter(Config{Addr: "mock", Maker: mock.Maker()})
	require.Error(t, m.Connect())
	before := len(mock.Received())

	_, err := m.Read()
	assert.True(t, errors.Is(err, ErrOffline))
	_, err = m.GetWavelength()
	assert.True(t, errors.Is(err, ErrOffline))
	assert.True(t, errors.Is(m.SetTriggerLevel(5), ErrOffline))
	assert.True(t, errors.Is(m.Command("*RST"), ErrOffline))
	_, err = m.Query("*IDN?")
	assert.True(t, errors.Is(err, ErrOffline))
	assert.Len(t, mock.Received(), before)

	// reconnect is the way back
	mock.Set(func(m *MockInstrument) { m.Unreachable = false })
	require.NoError(t, m.Connect())
	_, err = m.Read()
	assert.NoError(t, err)
}

func TestReadFillsCacheOnlyOnSuccess(t *testing.T) {
	m, mock := connected(t, EnergyMax)
	_, err := m.SeqID()
	assert.True(t, errors.Is(err, ErrNoSample))

	s, err := m.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.SeqID)
	require.NotNil(t, s.Period)
	assert.Equal(t, 1000, *s.Period)

	mock.Set(func(m *MockInstrument) { m.NextRead = "1.5,2,FLAG" })
	_, err = m.Read()
	assert.True(t, errors.Is(err, ErrDecode))

	id, err := m.SeqID()
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	period, err := m.Period()
	require.NoError(t, err)
	assert.Equal(t, 1000, period)
}

func TestStatisticsFromCache(t *testing.T) {
	m, mock := connected(t, EnergyMax)
	require.NoError(t, m.SetStatisticsEnabled(true))
	assert.True(t, mock.StatsOn)

	_, err := m.Read()
	require.NoError(t, err)
	n := len(mock.Received())

	require.NoError(t, m.SetUnitScale(int(ScaleMilli)))
	min, err := m.StatMin()
	require.NoError(t, err)
	assert.InDelta(t, 1.35, min, 1e-9)
	max, err := m.StatMax()
	require.NoError(t, err)
	assert.InDelta(t, 1.65, max, 1e-9)
	std, err := m.StatStd()
	require.NoError(t, err)
	assert.InDelta(t, 0.015, std, 1e-9)
	dose, err := m.StatDose()
	require.NoError(t, err)
	assert.InDelta(t, 15., dose, 1e-9)
	missed, err := m.StatMissed()
	require.NoError(t, err)
	assert.Equal(t, 0, missed)

	// none of the statistic reads went to the meter
	assert.Len(t, mock.Received(), n)

	_, err = m.Period()
	assert.True(t, errors.Is(err, ErrFieldUnavailable))
}

func TestStatisticsModeSwitchChangesLayout(t *testing.T) {
	m, _ := connected(t, EnergyMax)
	s, err := m.Read()
	require.NoError(t, err)
	assert.Nil(t, s.Stats)

	require.NoError(t, m.SetStatisticsEnabled(true))
	s, err = m.Read()
	require.NoError(t, err)
	assert.NotNil(t, s.Stats)
	assert.Nil(t, s.Period)

	_, err = m.StatMin()
	assert.NoError(t, err)

	require.NoError(t, m.SetStatisticsEnabled(false))
	_, err = m.Read()
	require.NoError(t, err)
	_, err = m.StatMin()
	assert.True(t, errors.Is(err, ErrFieldUnavailable))
}

func TestUnitScaleRescalesValue(t *testing.T) {
	m, _ := connected(t, EnergyMax)
	v, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, 1.5e-3, v)

	require.NoError(t, m.SetUnitScale(1))
	v, err = m.Value()
	require.NoError(t, err)
	assert.InDelta(t, 1.5, v, 1e-12)
	unit, _ := m.Unit()
	assert.Equal(t, "mJ", unit)

	raw, _, err := m.cache.Load()
	require.NoError(t, err)
	assert.Equal(t, 1.5e-3, raw.Primary)

	assert.True(t, errors.Is(m.SetUnitScale(3), ErrBadValue))
	scale, _ := m.GetUnitScale()
	assert.Equal(t, 1, scale)
}

func TestReadingCarriesUnit(t *testing.T) {
	m, _ := connected(t, PowerMax)
	require.NoError(t, m.SetUnitScale(2))
	rd, err := m.Reading()
	require.NoError(t, err)
	assert.Equal(t, "uW", rd.Unit)
	assert.InDelta(t, 250000., rd.Primary, 1e-6)
	assert.Equal(t, PowerMax, rd.Variant)
}

func TestModeUsesVariantCommand(t *testing.T) {
	m, mock := connected(t, EnergyMax)
	require.NoError(t, m.SetMode(int(ModePower)))
	assert.Equal(t, "CONFigure:MEASure:TYPE W", mock.Last())
	mode, err := m.GetMode()
	require.NoError(t, err)
	assert.Equal(t, int(ModePower), mode)
	unit, _ := m.Unit()
	assert.Equal(t, "W", unit)

	p, pmock := connected(t, PowerMax)
	require.NoError(t, p.SetMode(int(ModeEnergy)))
	assert.Equal(t, "CONFigure:MEASure J", pmock.Last())

	assert.True(t, errors.Is(p.SetMode(7), ErrBadValue))
}

func TestGetModeRejectsUnknownReply(t *testing.T) {
	m, mock := connected(t, PowerMax)
	require.NoError(t, m.SetMode(int(ModeEnergy)))
	mock.Set(func(mi *MockInstrument) { mi.Mode = "ERR -113" })

	_, err := m.GetMode()
	assert.Error(t, err)
	unit, _ := m.Unit()
	assert.Equal(t, "J", unit)
}

func TestReadUsesLayoutOfLatestConnect(t *testing.T) {
	power, energy := NewMockInstrument(PowerMax), NewMockInstrument(EnergyMax)
	var current comm.CreationFunc = power.Maker()
	maker := func() (io.ReadWriteCloser, error) { return current() }
	m := NewMeter(Config{Addr: "mock", Maker: maker, HistoryDepth: 5})
	require.NoError(t, m.Connect())
	s, err := m.Read()
	require.NoError(t, err)
	assert.Nil(t, s.Period)

	current = energy.Maker()
	require.NoError(t, m.Connect())
	require.Equal(t, EnergyMax, m.Variant())
	s, err = m.Read()
	require.NoError(t, err)
	require.NotNil(t, s.Period)
	assert.Equal(t, energy.PulsePeriod, *s.Period)
}

func TestCommonSettings(t *testing.T) {
	m, mock := connected(t, PowerMax)

	require.NoError(t, m.SetWavelength(532))
	assert.Equal(t, "CONFigure:WAVElength 532", mock.Last())
	wvl, err := m.GetWavelength()
	require.NoError(t, err)
	assert.Equal(t, 532., wvl)

	require.NoError(t, m.SetGainCompensation(true))
	assert.Equal(t, "CONFigure:GAIN:COMPensation ON", mock.Last())
	gc, err := m.GetGainCompensation()
	require.NoError(t, err)
	assert.True(t, gc)

	require.NoError(t, m.SetGainFactor(1.25))
	gf, err := m.GetGainFactor()
	require.NoError(t, err)
	assert.Equal(t, 1.25, gf)

	require.NoError(t, m.SetRange(0.03))
	rng, err := m.GetRange()
	require.NoError(t, err)
	assert.Equal(t, 0.03, rng)

	require.NoError(t, m.SetAutoRange(false))
	ar, err := m.GetAutoRange()
	require.NoError(t, err)
	assert.False(t, ar)
}

func TestTriggerSettings(t *testing.T) {
	m, mock := connected(t, EnergyMax)

	require.NoError(t, m.SetTriggerSource(1))
	assert.Equal(t, "TRIGger:SOURce EXT", mock.Last())
	src, err := m.GetTriggerSource()
	require.NoError(t, err)
	assert.Equal(t, 1, src)

	require.NoError(t, m.SetTriggerLevel(7.5))
	lvl, err := m.GetTriggerLevel()
	require.NoError(t, err)
	assert.Equal(t, 7.5, lvl)

	require.NoError(t, m.SetTriggerSlope(1))
	slope, err := m.GetTriggerSlope()
	require.NoError(t, err)
	assert.Equal(t, 1, slope)

	require.NoError(t, m.SetTriggerDelay(12))
	dly, err := m.GetTriggerDelay()
	require.NoError(t, err)
	assert.Equal(t, 12., dly)

	assert.True(t, errors.Is(m.SetTriggerSource(2), ErrBadValue))

	require.NoError(t, m.SetBatchSize(25))
	bs, err := m.GetBatchSize()
	require.NoError(t, err)
	assert.Equal(t, 25, bs)
	assert.True(t, errors.Is(m.SetBatchSize(0), ErrBadValue))
}

func TestVariantGating(t *testing.T) {
	p, pmock := connected(t, PowerMax)
	n := len(pmock.Received())
	_, err := p.GetTriggerLevel()
	assert.True(t, errors.Is(err, ErrNotSupported))
	assert.True(t, errors.Is(p.SetStatisticsEnabled(true), ErrNotSupported))
	_, err = p.StatMin()
	assert.True(t, errors.Is(err, ErrNotSupported))
	assert.Len(t, pmock.Received(), n)

	e, _ := connected(t, EnergyMax)
	_, err = e.GetAutoRange()
	assert.True(t, errors.Is(err, ErrNotSupported))
	_, err = e.HistoryMean()
	assert.True(t, errors.Is(err, ErrNotSupported))
}

func TestHistoryAttributes(t *testing.T) {
	m, mock := connected(t, PowerMax)
	_, err := m.HistoryMean()
	assert.True(t, errors.Is(err, ErrAggregation))

	p := NewPoller(m, m.History(), 0)
	p.Poll()
	mock.Set(func(m *MockInstrument) { m.Value = 0.75 })
	p.Poll()

	mean, err := m.HistoryMean()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, mean, 1e-12)
	min, err := m.HistoryMin()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, min, 1e-12)
	max, err := m.HistoryMax()
	require.NoError(t, err)
	assert.InDelta(t, 0.75, max, 1e-12)
	pct, err := m.HistoryStdPercent()
	require.NoError(t, err)
	assert.InDelta(t, 50., pct, 1e-9)

	require.NoError(t, m.SetUnitScale(1))
	mean, err = m.HistoryMean()
	require.NoError(t, err)
	assert.InDelta(t, 500., mean, 1e-9)

	depth, err := m.GetHistoryDepth()
	require.NoError(t, err)
	assert.Equal(t, 5, depth)
	require.NoError(t, m.SetHistoryDepth(20))
	_, err = m.HistoryMean()
	assert.True(t, errors.Is(err, ErrAggregation))
}

func TestPassThrough(t *testing.T) {
	m, mock := connected(t, PowerMax)
	require.NoError(t, m.Command("CONFigure:WAVElength 633"))
	assert.Equal(t, 633., mock.Wavelength)

	resp, err := m.Query("CONFigure:WAVElength?")
	require.NoError(t, err)
	assert.Equal(t, "6.330000E+02", resp)

	resp, err = m.Query("READ?")
	require.NoError(t, err)
	assert.NotEmpty(t, resp)
	_, _, err = m.cache.Load()
	assert.True(t, errors.Is(err, ErrNoSample))
}

func TestAttributesFollowVariant(t *testing.T) {
	has := func(attrs []Attribute, name string) bool {
		for _, a := range attrs {
			if a.Name == name {
				return true
			}
		}
		return false
	}
	e, _ := connected(t, EnergyMax)
	assert.True(t, has(e.Attributes(), "trigger/level"))
	assert.True(t, has(e.Attributes(), "statistics/min"))
	assert.False(t, has(e.Attributes(), "auto-range"))

	p, _ := connected(t, PowerMax)
	assert.False(t, has(p.Attributes(), "trigger/level"))
	assert.True(t, has(p.Attributes(), "history/std-percent"))
	assert.True(t, has(p.Attributes(), "value"))
	assert.Len(t, AllAttributes(), len(attributeTable))
}

func TestHistoryPollerOnlyPollsPowerMax(t *testing.T) {
	e, emock := connected(t, EnergyMax)
	n := len(emock.Received())
	e.HistoryPoller(time.Second).Poll()
	assert.Len(t, emock.Received(), n)
	assert.Equal(t, 0, e.History().Len())

	p, _ := connected(t, PowerMax)
	p.HistoryPoller(time.Second).Poll()
	assert.Equal(t, []float64{0.25}, p.History().Values())

	require.NoError(t, p.Close())
	p.HistoryPoller(time.Second).Poll()
	vals := p.History().Values()
	require.Len(t, vals, 2)
	assert.True(t, math.IsNaN(vals[1]))
}
