package rand

import (
	"math/rand"
	"sync"
)

// Source generates the random values used by the engine, e.g. the retransmission jitter.
type Source interface {
	Float64() float64
	Uint32() uint32
}

type Rand struct {
	src  *rand.Rand
	lock sync.Mutex
}

func NewRand(seed int64) *Rand {
	return &Rand{
		src: rand.New(rand.NewSource(seed)), //nolint:gosec
	}
}

func (l *Rand) Int63() int64 {
	l.lock.Lock()
	val := l.src.Int63()
	l.lock.Unlock()
	return val
}

func (l *Rand) Uint32() uint32 {
	l.lock.Lock()
	val := l.src.Uint32()
	l.lock.Unlock()
	return val
}

// Float64 returns a number in [0.0, 1.0).
func (l *Rand) Float64() float64 {
	l.lock.Lock()
	val := l.src.Float64()
	l.lock.Unlock()
	return val
}

// Fixed is a Source that always returns the same values. It is used to make timing deterministic.
type Fixed struct {
	F float64
	U uint32
}

func (f Fixed) Float64() float64 {
	return f.F
}

func (f Fixed) Uint32() uint32 {
	return f.U
}
