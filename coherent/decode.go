package coherent

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Statistics are the batch statistics an EnergyMax appends to each reading
// while statistics mode is on.  Min, Max, Std and Dose are in base units.
type Statistics struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Std    float64 `json:"std"`
	Dose   float64 `json:"dose"`
	Missed int     `json:"missed"`
}

// Sample is one decoded reply to READ?.
//
// For an EnergyMax exactly one of Stats and Period is set, depending on the
// statistics mode the reply was decoded under.  A PowerMax sets neither.
type Sample struct {
	// Primary is the reading, in base units unless the sample has been Scaled
	Primary float64 `json:"value"`

	// SeqID is the meter's tag for the reading, repeated if the meter has
	// not taken a new one since the last READ?
	SeqID int64 `json:"seqid"`

	// Flags are the meter's status flags, passed through untouched
	Flags string `json:"flags"`

	Stats  *Statistics `json:"statistics,omitempty"`
	Period *int        `json:"period,omitempty"`
}

// Scaled returns a copy of s with every energy or power valued field
// multiplied by scale.Factor().  SeqID, Flags, Period and Missed are not scaled.
func (s Sample) Scaled(scale UnitScale) Sample {
	f := scale.Factor()
	out := s
	out.Primary = s.Primary * f
	if s.Stats != nil {
		st := *s.Stats
		st.Min *= f
		st.Max *= f
		st.Std *= f
		st.Dose *= f
		out.Stats = &st
	}
	if s.Period != nil {
		p := *s.Period
		out.Period = &p
	}
	return out
}

// layout describes the comma separated fields of a READ? reply:
//
//	EnergyMax, statistics off: value, period, flags, seqid
//	EnergyMax, statistics on:  value, min, max, std, dose, missed, flags, seqid
//	PowerMax:                  value, flags, seqid
type layout struct {
	name   string
	fields int
	stats  bool
	period bool
}

var (
	energyLayout      = layout{name: "EnergyMax", fields: 4, period: true}
	energyStatsLayout = layout{name: "EnergyMax statistics", fields: 8, stats: true}
	powerLayout       = layout{name: "PowerMax", fields: 3}
)

func layoutFor(v Variant, statsMode bool) (layout, bool) {
	switch v {
	case EnergyMax:
		if statsMode {
			return energyStatsLayout, true
		}
		return energyLayout, true
	case PowerMax:
		return powerLayout, true
	}
	return layout{}, false
}

// fieldParser converts fields and remembers the first failure
type fieldParser struct {
	line   string
	fields []string
	err    error
}

func (p *fieldParser) fail(idx int, reason string) {
	if p.err == nil {
		p.err = &DecodeError{Line: p.line, Field: idx, Reason: reason}
	}
}

func (p *fieldParser) floatAt(idx int) float64 {
	f, err := strconv.ParseFloat(p.fields[idx], 64)
	if err != nil {
		p.fail(idx, fmt.Sprintf("%q is not a number", p.fields[idx]))
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		p.fail(idx, fmt.Sprintf("%q is not finite", p.fields[idx]))
		return 0
	}
	return f
}

func (p *fieldParser) int64At(idx int) int64 {
	i, err := strconv.ParseInt(p.fields[idx], 10, 64)
	if err != nil {
		p.fail(idx, fmt.Sprintf("%q is not an integer", p.fields[idx]))
		return 0
	}
	return i
}

func (p *fieldParser) intAt(idx int) int {
	i, err := strconv.Atoi(p.fields[idx])
	if err != nil {
		p.fail(idx, fmt.Sprintf("%q is not an integer", p.fields[idx]))
		return 0
	}
	return i
}

// DecodeSample decodes a reply to READ? for variant v under the given
// statistics mode.  The reply must have exactly the field count of the
// active layout and every numeric field must parse; otherwise a *DecodeError
// is returned and the Sample is the zero value.
func DecodeSample(line string, v Variant, statsMode bool) (Sample, error) {
	lay, ok := layoutFor(v, statsMode)
	if !ok {
		return Sample{}, &DecodeError{Line: line, Field: -1, Reason: "meter variant not identified"}
	}
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != lay.fields {
		return Sample{}, &DecodeError{Line: line, Field: -1,
			Reason: fmt.Sprintf("got %d fields, the %s layout has %d", len(fields), lay.name, lay.fields)}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	p := fieldParser{line: line, fields: fields}
	n := lay.fields

	s := Sample{}
	s.Primary = p.floatAt(0)
	switch {
	case lay.stats:
		s.Stats = &Statistics{
			Min:    p.floatAt(1),
			Max:    p.floatAt(2),
			Std:    p.floatAt(3),
			Dose:   p.floatAt(4),
			Missed: p.intAt(5),
		}
	case lay.period:
		period := p.intAt(1)
		s.Period = &period
	}
	s.Flags = fields[n-2]
	s.SeqID = p.int64At(n - 1)
	if p.err != nil {
		return Sample{}, p.err
	}
	return s, nil
}
