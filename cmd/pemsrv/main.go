package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/pemsrv/coherent"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "pemsrv.yml"

	// EnvPrefix prefixes environment variables that override the config file,
	// e.g. PEMSRV_DEVICE_ADDR=/dev/ttyACM1
	EnvPrefix = "PEMSRV_"

	k = koanf.New(".")
)

func setupconfig() error {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) { // file missing, who cares
			return fmt.Errorf("error loading config: %w", err)
		}
	}
	return k.Load(env.Provider(EnvPrefix, ".", envKey), nil)
}

// envKey maps PEMSRV_DEVICE_READTIMEOUT to device.readtimeout
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", -1)
}

func loadconfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		zap.L().Fatal("could not decode config", zap.Error(err))
	}
	return c
}

func root() {
	str := `pemsrv exposes a Coherent EnergyMax or PowerMax laser energy/power meter
over HTTP.  This enables a server-client architecture, and the clients can
leverage the excellent HTTP libraries for any programming language.

Usage:
	pemsrv <command>

Commands:
	run
	probe
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `pemsrv is amenable to configuration via its .yml file, pemsrv.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html
Every key may be overridden by an environment variable, PEMSRV_ followed by
the path of the key with _ between levels, e.g. PEMSRV_DEVICE_ADDR.

mkconf writes the current configuration to pemsrv.yml, conf prints it.

device.addr is a serial device, e.g. /dev/ttyACM0 or COM3, when device.serial
is true, or host:port of a terminal server otherwise.

mock may be set to EnergyMax or PowerMax to serve a simulated meter.

Endpoints may look like any variation between "omc/pem" or "/omc/pem/*", the
leading and trailing slashes, as well as the *, are added by the server if
missing.  GET /endpoints lists every route.

probe connects to the meter, prints what it is and takes one reading.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		zap.L().Fatal("could not create config file", zap.Error(err))
	}
	defer f.Close()
	if err = yml.NewEncoder(f).Encode(c); err != nil {
		zap.L().Fatal("could not write config file", zap.Error(err))
	}
}

func printconf() {
	c := loadconfig()
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		zap.L().Fatal("could not encode config", zap.Error(err))
	}
}

func pversion() {
	fmt.Printf("pemsrv version %v\n", Version)
}

func probe() {
	c := loadconfig()
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           "connecting to " + c.Device.Addr,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		zap.L().Fatal("could not create spinner", zap.Error(err))
	}
	spinner.Start()

	m := NewMeter(c)
	if err = m.Connect(); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.Message("reading")
	s, err := m.Read()
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	unit, _ := m.Unit() // base unit, the scale is not configured yet
	idn, _ := m.Identity()
	spinner.StopMessage(fmt.Sprintf("%s (%v)", idn, m.Variant()))
	spinner.Stop()
	fmt.Println(FormatSample(s, unit))
}

// FormatSample renders a base-unit sample with SI prefixes for humans,
// e.g. "1.5 mJ (seq 42)"
func FormatSample(s coherent.Sample, baseUnit string) string {
	str := fmt.Sprintf("%s (seq %d)", humanize.SIWithDigits(s.Primary, 4, baseUnit), s.SeqID)
	if s.Stats != nil {
		str += fmt.Sprintf(", min %s, max %s, std %s, %d missed",
			humanize.SIWithDigits(s.Stats.Min, 4, baseUnit),
			humanize.SIWithDigits(s.Stats.Max, 4, baseUnit),
			humanize.SIWithDigits(s.Stats.Std, 4, baseUnit),
			s.Stats.Missed)
	}
	if s.Period != nil {
		str += fmt.Sprintf(", period %d", *s.Period)
	}
	return str
}

func run() {
	c := loadconfig()
	m := NewMeter(c)
	if err := m.Connect(); err != nil {
		// served OFF; POST /init retries
		zap.L().Warn("meter is offline", zap.Error(err))
	}
	if c.Poll.Interval > 0 {
		p := m.HistoryPoller(c.Poll.Interval)
		if err := p.Start(); err != nil {
			zap.L().Fatal("could not start history polling", zap.Error(err))
		}
		defer p.Stop()
	}
	mux := BuildMux(c, m)
	zap.L().Info("now listening for requests", zap.String("addr", c.Addr), zap.String("endpoint", c.Endpoint))
	if err := http.ListenAndServe(c.Addr, mux); err != nil {
		zap.L().Error("server stopped", zap.Error(err))
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	if err := setupconfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := NewLogger(loadLogConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "probe":
		probe()
	case "run":
		run()
	case "version":
		pversion()
	default:
		zap.L().Fatal("unknown command", zap.String("command", cmd))
	}
}
