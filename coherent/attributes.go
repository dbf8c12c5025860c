package coherent

// Kind is the type of an attribute's value
type Kind string

// attribute kinds
const (
	KindFloat  Kind = "float"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindEnum   Kind = "enum"
	KindString Kind = "string"
	KindRecord Kind = "record"
)

// Attribute describes one readable (and perhaps writable) quantity of a meter.
// The full set is fixed at compile time; a connected meter exposes the
// subset its variant supports.
type Attribute struct {
	// Name is also the route the attribute is served on
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Writable bool     `json:"writable"`
	Unit     string   `json:"unit,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Doc      string   `json:"doc"`

	// Variants lists the meters that have the attribute.  Empty means the
	// attribute is local to the server and exists even when disconnected.
	Variants []Variant `json:"variants,omitempty"`
}

// SupportedBy is true if a meter of variant v has the attribute
func (a Attribute) SupportedBy(v Variant) bool {
	if len(a.Variants) == 0 {
		return true
	}
	for _, x := range a.Variants {
		if x == v {
			return true
		}
	}
	return false
}

var (
	both       = []Variant{EnergyMax, PowerMax}
	energyOnly = []Variant{EnergyMax}
	powerOnly  = []Variant{PowerMax}

	// the value, sample and statistic units follow the mode and unit scale,
	// so they are left blank here and reported by the unit attribute
	attributeTable = []Attribute{
		{Name: "device", Kind: KindString, Doc: "identification string of the connected meter"},
		{Name: "state", Kind: KindString, Doc: "INIT, ON or OFF"},
		{Name: "status", Kind: KindString, Doc: "human readable status"},
		{Name: "unit-scale", Kind: KindEnum, Writable: true, Labels: []string{"base", "milli", "micro"}, Doc: "display sub-unit of energy and power values"},
		{Name: "unit", Kind: KindString, Doc: "unit of the value attribute"},

		{Name: "value", Kind: KindFloat, Variants: both, Doc: "takes a new measurement"},
		{Name: "sample", Kind: KindRecord, Variants: both, Doc: "takes a new measurement and returns every decoded field"},
		{Name: "seqid", Kind: KindInt, Variants: both, Doc: "sequence ID of the last measurement"},
		{Name: "mode", Kind: KindEnum, Writable: true, Labels: []string{"Energy", "Power"}, Variants: both, Doc: "sensor measurement mode"},
		{Name: "wavelength", Kind: KindFloat, Writable: true, Unit: "nm", Variants: both, Doc: "wavelength correction"},
		{Name: "gain-compensation", Kind: KindBool, Writable: true, Variants: both, Doc: "enables gain compensation"},
		{Name: "gain-factor", Kind: KindFloat, Writable: true, Variants: both, Doc: "gain compensation factor"},
		{Name: "range", Kind: KindFloat, Writable: true, Variants: both, Doc: "measurement range in base units"},

		{Name: "trigger/source", Kind: KindEnum, Writable: true, Labels: []string{"Internal", "External"}, Variants: energyOnly, Doc: "trigger source"},
		{Name: "trigger/level", Kind: KindFloat, Writable: true, Unit: "%", Variants: energyOnly, Doc: "trigger level"},
		{Name: "trigger/slope", Kind: KindEnum, Writable: true, Labels: []string{"Positive", "Negative"}, Variants: energyOnly, Doc: "external trigger edge"},
		{Name: "trigger/delay", Kind: KindFloat, Writable: true, Unit: "us", Variants: energyOnly, Doc: "trigger delay"},
		{Name: "statistics/enabled", Kind: KindBool, Writable: true, Variants: energyOnly, Doc: "batch statistics in each measurement"},
		{Name: "statistics/batch-size", Kind: KindInt, Writable: true, Variants: energyOnly, Doc: "pulses per statistics batch"},
		{Name: "statistics/min", Kind: KindFloat, Variants: energyOnly, Doc: "batch minimum of the last measurement"},
		{Name: "statistics/max", Kind: KindFloat, Variants: energyOnly, Doc: "batch maximum of the last measurement"},
		{Name: "statistics/std", Kind: KindFloat, Variants: energyOnly, Doc: "batch standard deviation of the last measurement"},
		{Name: "statistics/dose", Kind: KindFloat, Variants: energyOnly, Doc: "batch dose of the last measurement"},
		{Name: "statistics/missed", Kind: KindInt, Variants: energyOnly, Doc: "pulses missed in the batch of the last measurement"},
		{Name: "period", Kind: KindInt, Variants: energyOnly, Doc: "pulse period of the last measurement"},

		{Name: "auto-range", Kind: KindBool, Writable: true, Variants: powerOnly, Doc: "automatic range selection"},
		{Name: "history/mean", Kind: KindFloat, Variants: powerOnly, Doc: "mean of the polled history"},
		{Name: "history/std-percent", Kind: KindFloat, Unit: "%", Variants: powerOnly, Doc: "standard deviation of the polled history relative to its mean"},
		{Name: "history/min", Kind: KindFloat, Variants: powerOnly, Doc: "minimum of the polled history"},
		{Name: "history/max", Kind: KindFloat, Variants: powerOnly, Doc: "maximum of the polled history"},
		{Name: "history/depth", Kind: KindInt, Writable: true, Variants: powerOnly, Doc: "number of polled readings kept"},
	}
)

// AllAttributes returns the full attribute table
func AllAttributes() []Attribute {
	out := make([]Attribute, len(attributeTable))
	copy(out, attributeTable)
	return out
}

// AttributesFor returns the attributes a meter of variant v exposes
func AttributesFor(v Variant) []Attribute {
	var out []Attribute
	for _, a := range attributeTable {
		if a.SupportedBy(v) {
			out = append(out, a)
		}
	}
	return out
}

// LookupAttribute finds an attribute by name
func LookupAttribute(name string) (Attribute, bool) {
	for _, a := range attributeTable {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}
