package instrument

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"phasegen/core"
	"phasegen/errcode"
)

// PinProfile is one switch output in a profile.
type PinProfile struct {
	GPIO     int  `json:"gpio"`
	Inverted bool `json:"inverted,omitempty"`
	IdleHigh bool `json:"idle_high,omitempty"`
}

type PhaseProfile struct {
	Low  PinProfile `json:"low"`
	High PinProfile `json:"high"`
}

type TriggerProfile struct {
	Source   string  `json:"source"`
	Delay    float32 `json:"delay"`
	Interval float32 `json:"interval"`
}

type BurstProfile struct {
	Type     string  `json:"type"`
	Cycles   uint32  `json:"cycles"`
	Duration float32 `json:"duration"`
}

// Profile is a complete generator setup stored as JSON. Fields missing
// from the file keep their power-on defaults.
type Profile struct {
	Mode      string                       `json:"mode"`
	Control   string                       `json:"control"`
	Frequency float32                      `json:"frequency"`
	Deadtime  float32                      `json:"deadtime"`
	MinDuty   float32                      `json:"min_duty"`
	Phases    [core.MaxPhases]PhaseProfile `json:"phases"`
	Duty      [core.MaxPhases]float32      `json:"duty"`
	ModIndex  float32                      `json:"mod_index"`
	Angle     float32                      `json:"angle"`
	Speed     float32                      `json:"speed"`
	Trigger   TriggerProfile               `json:"trigger"`
	Burst     BurstProfile                 `json:"burst"`
	Output    bool                         `json:"output"`
}

// DefaultProfile mirrors the device's defaults.
func DefaultProfile() Profile {
	sc, rt := core.DefaultStaticConfig(), core.DefaultRuntimeParams()
	tc, bc := core.DefaultTriggerConfig(), core.DefaultBurstConfig()
	p := Profile{
		Mode:      sc.Mode.String(),
		Control:   sc.Control.String(),
		Frequency: sc.Frequency,
		Deadtime:  sc.Deadtime,
		MinDuty:   sc.MinDuty,
		Duty:      rt.Duty,
		ModIndex:  rt.ModIndex,
		Angle:     rt.Angle,
		Speed:     rt.Speed,
		Trigger:   TriggerProfile{Source: tc.Source.String(), Delay: tc.Delay, Interval: tc.Interval},
		Burst:     BurstProfile{Type: bc.Type.String(), Cycles: bc.Cycles, Duration: bc.Duration},
	}
	for k := range p.Phases {
		p.Phases[k].Low.GPIO = core.NoGPIO
		p.Phases[k].High.GPIO = core.NoGPIO
	}
	return p
}

// ReadProfile decodes a profile on top of the defaults.
func ReadProfile(r io.Reader) (Profile, error) {
	p := DefaultProfile()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if _, err := p.resolve(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func LoadProfile(path string) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Profile{}, err
	}
	defer f.Close()
	return ReadProfile(f)
}

// WriteProfile encodes p as indented JSON.
func WriteProfile(w io.Writer, p Profile) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

type resolved struct {
	mode    core.OpMode
	control core.ControlMode
	source  core.TriggerSource
	burst   core.BurstType
}

func (p *Profile) resolve() (resolved, error) {
	var r resolved
	var ok bool
	bad := func(field, v string) error {
		return errcode.New(errcode.InvalidParams, "profile", fmt.Sprintf("%s %q", field, v))
	}
	if r.mode, ok = core.ParseOpMode(p.Mode); !ok {
		return r, bad("mode", p.Mode)
	}
	if r.control, ok = core.ParseControlMode(p.Control); !ok {
		return r, bad("control", p.Control)
	}
	if r.source, ok = core.ParseTriggerSource(p.Trigger.Source); !ok {
		return r, bad("trigger source", p.Trigger.Source)
	}
	if r.burst, ok = core.ParseBurstType(p.Burst.Type); !ok {
		return r, bad("burst type", p.Burst.Type)
	}
	return r, nil
}

// ApplyProfile resets the device and programs p. Setters run in an order
// in which no intermediate state is rejected.
func (c *Client) ApplyProfile(p Profile) error {
	r, err := p.resolve()
	if err != nil {
		return err
	}

	steps := []func() error{
		c.Reset,
		func() error { return c.SetControl(r.control) },
		func() error { return c.SetDeadtime(0) },
		func() error { return c.SetFrequency(p.Frequency) },
		func() error { return c.SetMinDuty(p.MinDuty) },
		func() error { return c.SetDeadtime(p.Deadtime) },
		func() error {
			return c.forEachPin(func(k int, s core.Side) error {
				pin := p.Phases[k].Low
				if s == core.HighSide {
					pin = p.Phases[k].High
				}
				if err := c.SetPin(k, s, pin.GPIO); err != nil {
					return err
				}
				if err := c.SetInvert(k, s, pin.Inverted); err != nil {
					return err
				}
				return c.SetIdle(k, s, pin.IdleHigh)
			})
		},
		func() error { return c.SetMode(r.mode) },
		func() error {
			for k, d := range p.Duty {
				if err := c.SetDuty(k, d); err != nil {
					return err
				}
			}
			return nil
		},
		func() error { return c.SetModIndex(p.ModIndex) },
		func() error { return c.SetAngle(p.Angle) },
		func() error { return c.SetSpeed(p.Speed) },
		func() error { return c.SetBurstType(r.burst) },
		func() error { return c.SetBurstCycles(p.Burst.Cycles) },
		func() error { return c.SetBurstDuration(p.Burst.Duration) },
		func() error { return c.SetTriggerDelay(p.Trigger.Delay) },
		func() error { return c.SetTriggerInterval(p.Trigger.Interval) },
		func() error { return c.SetOutput(p.Output) },
		// last: an immediate source starts the waveform at once
		func() error { return c.SetTriggerSource(r.source) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("apply profile: %w", err)
		}
	}
	return nil
}

func (c *Client) forEachPin(fn func(phase int, side core.Side) error) error {
	for k := 0; k < core.MaxPhases; k++ {
		for s := core.LowSide; s <= core.HighSide; s++ {
			if err := fn(k, s); err != nil {
				return err
			}
		}
	}
	return nil
}
