package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"phasegen/core"
	"phasegen/host/instrument"
	"phasegen/host/serial"
)

var (
	device  = flag.String("device", "tcp://localhost:5025", "Serial device path or tcp://host:port of phasegen-sim")
	baud    = flag.Int("baud", 115200, "Baud rate (ignored for USB CDC)")
	profile = flag.String("profile", "", "JSON profile to apply after connecting")
	command = flag.String("c", "", "Run one command line and exit")
	timeout = flag.Duration("timeout", 2*time.Second, "Per-command timeout")
)

func main() {
	flag.Parse()

	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud
	port, err := serial.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	port.Flush()

	client := instrument.New(port)
	client.SetTimeout(*timeout)
	defer client.Close()

	if *profile != "" {
		p, err := instrument.LoadProfile(*profile)
		if err == nil {
			err = client.ApplyProfile(p)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: profile %s: %v\n", *profile, err)
			os.Exit(1)
		}
		fmt.Printf("Applied %s\n", *profile)
	}

	if *command != "" {
		if err := run(client, *command); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Connected to %s. Type 'help' for commands, 'quit' to exit.\n", *device)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "quit" || line == "exit" || line == "q" {
			return
		}
		if err := run(client, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

// usageError is returned for malformed command lines.
type usageError string

func (e usageError) Error() string { return "usage: " + string(e) }

type handler struct {
	usage string
	nargs int // required arguments; -1 for any
	fn    func(c *instrument.Client, args []string) error
}

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		"help":     {"help", 0, func(*instrument.Client, []string) error { printHelp(); return nil }},
		"status":   {"status", 0, cmdStatus},
		"pins":     {"pins", 0, cmdPins},
		"mode":     {"mode off|1ph|2ph|3ph", 1, cmdMode},
		"control":  {"control duty|angle|speed", 1, cmdControl},
		"freq":     {"freq <hz>", 1, floatCmd((*instrument.Client).SetFrequency)},
		"deadtime": {"deadtime <seconds>", 1, floatCmd((*instrument.Client).SetDeadtime)},
		"minduty":  {"minduty <fraction>", 1, floatCmd((*instrument.Client).SetMinDuty)},
		"pin":      {"pin <phase 1-3> low|high <gpio>|none", 3, cmdPin},
		"invert":   {"invert <phase 1-3> low|high on|off", 3, cmdInvert},
		"idle":     {"idle <phase 1-3> low|high high|low", 3, cmdIdle},
		"duty":     {"duty <phase 1-3> <fraction>", 2, cmdDuty},
		"modindex": {"modindex <0-1>", 1, floatCmd((*instrument.Client).SetModIndex)},
		"angle":    {"angle <degrees>", 1, floatCmd((*instrument.Client).SetAngle)},
		"speed":    {"speed <hz>", 1, floatCmd((*instrument.Client).SetSpeed)},
		"source":   {"source immediate|internal|bus", 1, cmdSource},
		"delay":    {"delay <seconds>", 1, floatCmd((*instrument.Client).SetTriggerDelay)},
		"interval": {"interval <seconds>", 1, floatCmd((*instrument.Client).SetTriggerInterval)},
		"burst":    {"burst continuous | ncycles <n> | duration <seconds>", -1, cmdBurst},
		"output":   {"output on|off", 1, cmdOutput},
		"trigger":  {"trigger [immediate|internal|bus]", -1, cmdTrigger},
		"abort":    {"abort", 0, func(c *instrument.Client, _ []string) error { return c.Abort() }},
		"reset":    {"reset", 0, func(c *instrument.Client, _ []string) error { return c.Reset() }},
		"load":     {"load <profile.json>", 1, cmdLoad},
		"template": {"template <file.json>", 1, cmdTemplate},
	}
}

// run executes one command line. Quoting follows shell rules, so profile
// paths may contain spaces.
func run(c *instrument.Client, line string) error {
	words, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}
	h, ok := handlers[words[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (type 'help')", words[0])
	}
	args := words[1:]
	if h.nargs >= 0 && len(args) != h.nargs {
		return usageError(h.usage)
	}
	return h.fn(c, args)
}

func printHelp() {
	fmt.Println("Commands (phases are numbered 1-3):")
	names := []string{"status", "pins", "mode", "control", "freq", "deadtime", "minduty", "pin", "invert",
		"idle", "duty", "modindex", "angle", "speed", "source", "delay", "interval", "burst", "output",
		"trigger", "abort", "reset", "load", "template"}
	for _, n := range names {
		fmt.Printf("  %s\n", handlers[n].usage)
	}
	fmt.Println("  quit")
}

func parseFloat(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return float32(v), nil
}

func floatCmd(set func(*instrument.Client, float32) error) func(*instrument.Client, []string) error {
	return func(c *instrument.Client, args []string) error {
		v, err := parseFloat(args[0])
		if err != nil {
			return err
		}
		return set(c, v)
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true", "high":
		return true, nil
	case "off", "0", "false", "low":
		return false, nil
	}
	return false, fmt.Errorf("expected on/off, got %q", s)
}

// parsePhaseSide converts a 1-based phase and a side name.
func parsePhaseSide(phase, side string) (int, core.Side, error) {
	k, err := strconv.Atoi(phase)
	if err != nil || k < 1 || k > core.MaxPhases {
		return 0, 0, fmt.Errorf("phase must be 1-%d, got %q", core.MaxPhases, phase)
	}
	s, ok := core.ParseSide(side)
	if !ok {
		return 0, 0, fmt.Errorf("side must be low or high, got %q", side)
	}
	return k - 1, s, nil
}

func cmdStatus(c *instrument.Client, _ []string) error {
	st, err := c.Status()
	if err != nil {
		return err
	}
	fmt.Printf("state=%s running=%v outputs=%v\n", st.State, st.Running, st.Outputs)
	fmt.Printf("mode=%s control=%s frequency=%g Hz\n", st.Mode, st.Control, st.Frequency)
	fmt.Printf("source=%s burst=%s runs=%d periods=%d\n", st.Source, st.Burst, st.Runs, st.Periods)
	return nil
}

func cmdPins(c *instrument.Client, _ []string) error {
	for k := 0; k < core.MaxPhases; k++ {
		for s := core.LowSide; s <= core.HighSide; s++ {
			p, err := c.Pin(k, s)
			if err != nil {
				return err
			}
			gpio := "none"
			if p.Assigned() {
				gpio = "gpio" + strconv.Itoa(p.GPIO)
			}
			fmt.Printf("phase %d %-4s %-6s inverted=%v idle_high=%v\n", k+1, s, gpio, p.Inverted, p.IdleHigh)
		}
	}
	return nil
}

func cmdMode(c *instrument.Client, args []string) error {
	m, ok := core.ParseOpMode(args[0])
	if !ok {
		return usageError(handlers["mode"].usage)
	}
	return c.SetMode(m)
}

func cmdControl(c *instrument.Client, args []string) error {
	m, ok := core.ParseControlMode(args[0])
	if !ok {
		return usageError(handlers["control"].usage)
	}
	return c.SetControl(m)
}

func cmdPin(c *instrument.Client, args []string) error {
	k, s, err := parsePhaseSide(args[0], args[1])
	if err != nil {
		return err
	}
	gpio := core.NoGPIO
	if args[2] != "none" {
		if gpio, err = strconv.Atoi(strings.TrimPrefix(args[2], "gpio")); err != nil {
			return fmt.Errorf("bad gpio %q", args[2])
		}
	}
	return c.SetPin(k, s, gpio)
}

func cmdInvert(c *instrument.Client, args []string) error {
	k, s, err := parsePhaseSide(args[0], args[1])
	if err != nil {
		return err
	}
	on, err := parseOnOff(args[2])
	if err != nil {
		return err
	}
	return c.SetInvert(k, s, on)
}

func cmdIdle(c *instrument.Client, args []string) error {
	k, s, err := parsePhaseSide(args[0], args[1])
	if err != nil {
		return err
	}
	high, err := parseOnOff(args[2])
	if err != nil {
		return err
	}
	return c.SetIdle(k, s, high)
}

func cmdDuty(c *instrument.Client, args []string) error {
	k, _, err := parsePhaseSide(args[0], "low")
	if err != nil {
		return err
	}
	d, err := parseFloat(args[1])
	if err != nil {
		return err
	}
	return c.SetDuty(k, d)
}

func cmdSource(c *instrument.Client, args []string) error {
	src, ok := core.ParseTriggerSource(args[0])
	if !ok {
		return usageError(handlers["source"].usage)
	}
	return c.SetTriggerSource(src)
}

func cmdBurst(c *instrument.Client, args []string) error {
	usage := usageError(handlers["burst"].usage)
	if len(args) == 0 {
		return usage
	}
	t, ok := core.ParseBurstType(args[0])
	if !ok {
		return usage
	}
	switch t {
	case core.BurstNCycles:
		if len(args) != 2 {
			return usage
		}
		n, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("bad cycle count %q", args[1])
		}
		if err := c.SetBurstCycles(uint32(n)); err != nil {
			return err
		}
	case core.BurstDuration:
		if len(args) != 2 {
			return usage
		}
		d, err := parseFloat(args[1])
		if err != nil {
			return err
		}
		if err := c.SetBurstDuration(d); err != nil {
			return err
		}
	default:
		if len(args) != 1 {
			return usage
		}
	}
	return c.SetBurstType(t)
}

func cmdOutput(c *instrument.Client, args []string) error {
	on, err := parseOnOff(args[0])
	if err != nil {
		return err
	}
	return c.SetOutput(on)
}

func cmdTrigger(c *instrument.Client, args []string) error {
	src := core.SourceBus
	switch len(args) {
	case 0:
	case 1:
		var ok bool
		if src, ok = core.ParseTriggerSource(args[0]); !ok {
			return usageError(handlers["trigger"].usage)
		}
	default:
		return usageError(handlers["trigger"].usage)
	}
	armed, err := c.Trigger(src)
	if err != nil {
		return err
	}
	if !armed {
		fmt.Println("trigger ignored (other source configured or a start is already pending)")
	}
	return nil
}

func cmdLoad(c *instrument.Client, args []string) error {
	p, err := instrument.LoadProfile(args[0])
	if err != nil {
		return err
	}
	return c.ApplyProfile(p)
}

func cmdTemplate(_ *instrument.Client, args []string) error {
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return instrument.WriteProfile(f, instrument.DefaultProfile())
}
