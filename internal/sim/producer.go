// Package sim runs the signal simulation producers: independent, periodic
// tasks that each write a derived value into a declared region of a shared
// Memory Image.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"

	"github.com/plcsim/plcsim/internal/memimage"
)

// waveResolution is the scale factor the wave families multiply their
// normalized [-1,1] output by before truncating to an integer.
const waveResolution = 1000

// Memspace names the target (or source) region a producer reads or writes:
// a section, a starting address, and a reference count (nwords for word
// sections, nbits for the bits section).
type Memspace struct {
	Section memimage.Section
	Addr    int
	NRefs   int
}

// FuncType selects a signal family.
type FuncType string

const (
	FuncCounter   FuncType = "counter"
	FuncBinary    FuncType = "binary"
	FuncStatic    FuncType = "static"
	FuncSin       FuncType = "sin"
	FuncSine      FuncType = "sine"
	FuncCos       FuncType = "cos"
	FuncCosine    FuncType = "cosine"
	FuncSawtooth  FuncType = "sawtooth"
	FuncSquare    FuncType = "square"
	FuncRandrange FuncType = "randrange"
	FuncLognormal FuncType = "lognormal"
	FuncUniform   FuncType = "uniform"
	FuncCopy      FuncType = "copy"
	FuncTransform FuncType = "transform"
)

// TransformRule maps an input scalar or inclusive range to an output value.
// Out == nil means passthrough (emit the matched input state).
type TransformRule struct {
	In    int
	InLo  int
	InHi  int
	IsRng bool
	Out   *int64
}

// FuncConfig carries the parameters for every signal family; only the
// fields relevant to Type are consulted.
type FuncConfig struct {
	Type FuncType

	// counter / randrange
	Start, Stop, Step int64
	HasStart          bool
	HasStop           bool
	HasStep           bool

	// static
	Value int64

	// lognormal / uniform
	Mu, Sigma float64
	A, B      float64
	HasMu     bool
	HasA      bool

	// random seed, shared by randrange/lognormal/uniform
	Seed    uint64
	HasSeed bool

	// transform
	Rules []TransformRule
}

// Config is one producer record: where it writes, what it computes, how
// often, and (for copy/transform) where it reads from.
type Config struct {
	ID       string
	Memspace Memspace
	Function FuncConfig
	Source   *Memspace
	Pause    time.Duration
}

// SynthesizeID fills Config.ID from Memspace/Function when the caller left
// it empty.
func (c *Config) SynthesizeID() {
	if c.ID != "" {
		return
	}
	c.ID = fmt.Sprintf("%s@%d:%s", c.Memspace.Section, c.Memspace.Addr, c.Function.Type)
}

// wordLen returns the byte width of one element in m's section.
func wordLen(section memimage.Section) int {
	switch section {
	case memimage.Bits:
		return 1
	case memimage.Words16:
		return 2
	case memimage.Words32:
		return 4
	case memimage.Words64:
		return 8
	}
	return 0
}

// TickObserver receives one notification per completed tick; used to feed
// producer-tick metrics. Nil is a valid no-op.
type TickObserver interface {
	ObserveProducerTick(producerID string)
}

// Producer runs one Config's signal family against a shared Image until its
// context is cancelled.
type Producer struct {
	Conf    Config
	Image   *memimage.Image
	Metrics TickObserver

	rng     *rand.Rand
	counter int64
	waveV   int64
	started bool
}

// NewProducer prepares a Producer, synthesizing its ID and seeding its
// private RNG when the config requests one.
func NewProducer(conf Config, img *memimage.Image) *Producer {
	conf.SynthesizeID()
	p := &Producer{Conf: conf, Image: img}
	if conf.Function.HasSeed {
		p.rng = rand.New(rand.NewPCG(conf.Function.Seed, conf.Function.Seed>>32|1))
	} else {
		p.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xdeadbeef))
	}
	return p
}

// Run executes the producer loop until ctx is cancelled. A single tick's
// error is logged and does not stop the loop; a panic is recovered and
// logged so one producer's failure never brings down the process or its
// siblings.
func (p *Producer) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("simulation producer panicked", "id", p.Conf.ID, "panic", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := p.tick(); err != nil {
			log.Error("simulation producer tick failed", "id", p.Conf.ID, "err", err)
		} else if p.Metrics != nil {
			p.Metrics.ObserveProducerTick(p.Conf.ID)
		}

		if p.Conf.Pause <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Conf.Pause):
		}
	}
}

// tick computes one value (or skips) and writes it into Memspace.
func (p *Producer) tick() error {
	data, err := p.simulate()
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return p.writeMemspace(p.Conf.Memspace, data)
}

// simulate dispatches to the configured function family and returns the
// encoded byte payload to write, or nil to skip this tick (transform with
// no matching rule).
func (p *Producer) simulate() ([]byte, error) {
	f := p.Conf.Function
	wlen := wordLen(p.Conf.Memspace.Section)
	if wlen == 0 {
		return nil, fmt.Errorf("sim: unknown section %q", p.Conf.Memspace.Section)
	}

	switch f.Type {
	case FuncCounter:
		return p.encode(p.tickCounter(wlen), wlen), nil
	case FuncBinary:
		v := p.tickCounter(wlen) % 2
		return p.encode(v, wlen), nil
	case FuncStatic:
		return p.encode(f.Value, wlen), nil
	case FuncSin, FuncSine:
		return p.encode(p.tickWave(math.Sin), wlen), nil
	case FuncCos, FuncCosine:
		return p.encode(p.tickWave(math.Cos), wlen), nil
	case FuncSawtooth:
		return p.encode(p.tickSawtooth(), wlen), nil
	case FuncSquare:
		return p.encode(p.tickSquare(), wlen), nil
	case FuncRandrange:
		start, stop, step := counterRange(f, wlen)
		return p.encode(p.randInRange(start, stop, step), wlen), nil
	case FuncLognormal:
		mu, sigma := 0.0, 1.0
		if f.HasMu {
			mu, sigma = f.Mu, f.Sigma
		}
		v := int64(math.Floor(lognormvariate(p.rng, mu, sigma) * waveResolution))
		return p.encode(wrapUint(v, wlen), wlen), nil
	case FuncUniform:
		a, b := 0.0, 1.0
		if f.HasA {
			a, b = f.A, f.B
		}
		v := int64(math.Floor((a + p.rng.Float64()*(b-a)) * waveResolution))
		return p.encode(v, wlen), nil
	case FuncCopy:
		return p.readSource()
	case FuncTransform:
		return p.transform()
	default:
		return nil, fmt.Errorf("sim: unsupported function type %q", f.Type)
	}
}

// tickCounter implements the counter family: emits the current value then
// advances, wrapping back to start once it reaches stop.
func (p *Producer) tickCounter(wlen int) int64 {
	start, stop, step := counterRange(p.Conf.Function, wlen)
	if !p.started {
		p.counter = start
		p.started = true
	}
	v := p.counter
	p.counter += step
	if step >= 0 {
		if p.counter >= stop {
			p.counter = start
		}
	} else {
		if p.counter <= stop {
			p.counter = start
		}
	}
	return v
}

// counterRange resolves {start,stop,step} from whichever of the counter's
// start/stop/step parameters were supplied (0, 1, or 2 of them). wlen
// sizes the default upper bound 2^(wlen*8) when no parameters are
// supplied at all; for wlen=8 (words64) 2^64 does not fit in an int64,
// so that bound is capped at math.MaxInt64.
func counterRange(f FuncConfig, wlen int) (start, stop, step int64) {
	switch {
	case !f.HasStart && !f.HasStop:
		if wlen >= 8 {
			return 0, math.MaxInt64, 1
		}
		return 0, int64(1) << uint(wlen*8), 1
	case f.HasStop && !f.HasStart:
		return 0, f.Stop, 1
	default:
		step = int64(1)
		if f.HasStep {
			step = f.Step
		} else if f.Stop < f.Start {
			step = -1
		}
		return f.Start, f.Stop, step
	}
}

func (p *Producer) randInRange(start, stop, step int64) int64 {
	if (step >= 0 && stop <= start) || (step < 0 && stop >= start) {
		return start
	}
	as := abs64(step)
	n := (abs64(stop-start) + as - 1) / as
	if n <= 0 {
		return start
	}
	return start + p.rng.Int64N(n)*step
}

// tickWave advances the shared wave counter and applies fn (sin or cos).
func (p *Producer) tickWave(fn func(float64) float64) int64 {
	v := p.waveV
	p.waveV = (p.waveV + 1) % (2*waveResolution + 1)
	y := math.Floor(fn(float64(v)/waveResolution*math.Pi)*waveResolution) + waveResolution
	return int64(y)
}

func (p *Producer) tickSawtooth() int64 {
	v := p.waveV
	p.waveV = (p.waveV + 1) % (2*waveResolution + 1)
	return v
}

func (p *Producer) tickSquare() int64 {
	v := p.waveV
	p.waveV = (p.waveV + 1) % (2*waveResolution + 1)
	if math.Sin(float64(v)/waveResolution*math.Pi) < 0 {
		return waveResolution
	}
	return 2 * waveResolution
}

// readSource implements the copy family: read from Source, write unchanged.
func (p *Producer) readSource() ([]byte, error) {
	if p.Conf.Source == nil {
		return nil, fmt.Errorf("sim: copy producer %q has no source", p.Conf.ID)
	}
	return p.Image.GetData(p.Conf.Source.Section, p.Conf.Source.Addr, p.Conf.Source.NRefs)
}

// transform implements the transform family: an input matching no rule
// skips the tick's write entirely, rather than emitting a default value.
func (p *Producer) transform() ([]byte, error) {
	if p.Conf.Source == nil {
		return nil, fmt.Errorf("sim: transform producer %q has no source", p.Conf.ID)
	}
	wlen := wordLen(p.Conf.Source.Section)
	raw, err := p.Image.GetData(p.Conf.Source.Section, p.Conf.Source.Addr, 1)
	if err != nil {
		return nil, err
	}
	state := int64(decodeBE(raw, wlen))

	for _, rule := range p.Conf.Function.Rules {
		matched := rule.In == int(state)
		if rule.IsRng {
			matched = int64(rule.InLo) <= state && state <= int64(rule.InHi)
		}
		if !matched {
			continue
		}
		out := state
		if rule.Out != nil {
			out = *rule.Out
		}
		return p.encode(out, wordLen(p.Conf.Memspace.Section)), nil
	}
	return nil, nil
}

// encode packs y as wlen big-endian bytes, repeated NRefs times to fill the
// target window.
func (p *Producer) encode(y int64, wlen int) []byte {
	word := make([]byte, wlen)
	putBE(word, uint64(y), wlen)

	n := p.Conf.Memspace.NRefs
	if n <= 0 {
		n = 1
	}
	out := make([]byte, 0, wlen*n)
	for i := 0; i < n; i++ {
		out = append(out, word...)
	}
	return out
}

// writeMemspace writes data into m, translating to a bit or word call
// depending on the target section.
func (p *Producer) writeMemspace(m Memspace, data []byte) error {
	if m.Section == memimage.Bits {
		return p.Image.SetBits(m.Addr, m.NRefs, data)
	}
	return p.Image.SetData(m.Section, m.Addr, m.NRefs, data)
}

func putBE(dst []byte, v uint64, wlen int) {
	switch wlen {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(dst, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(dst, v)
	}
}

func decodeBE(b []byte, wlen int) uint64 {
	var v uint64
	for i := 0; i < wlen && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func wrapUint(v int64, wlen int) int64 {
	mod := int64(1) << uint(wlen*8)
	v %= mod
	if v < 0 {
		v += mod
	}
	return v
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// lognormvariate draws a lognormal sample from a normal(mu, sigma) via the
// standard exp(normal) transform. math/rand/v2 dropped NormFloat64, so the
// normal deviate is produced with a Box-Muller transform over Float64.
func lognormvariate(r *rand.Rand, mu, sigma float64) float64 {
	return math.Exp(mu + sigma*normFloat64(r))
}

func normFloat64(r *rand.Rand) float64 {
	u1 := r.Float64()
	for u1 == 0 {
		u1 = r.Float64()
	}
	u2 := r.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
