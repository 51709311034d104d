package rng

import (
	"context"
	"crypto/rand"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Sampler is the board-level ADC collaborator: it supplies one packed
// byte of raw sample LSBs per round plus a secondary, independently-
// sourced bit. Board packages implement this over real ADC DMA buffers;
// ADCSim stands in for hosted builds and tests.
type Sampler interface {
	Sample() (entropyByte byte, extraBit bool)
}

// ADCSim draws its bytes from crypto/rand, modeling the same "raw,
// unwhitened, possibly low-quality" noise source role the real dual-ADC
// front end plays — the entropy pool, FNV whitening, and TinyMT mixing
// downstream are what actually need to be correct; the ADC itself is a
// board-specific collaborator outside this package's concern.
type ADCSim struct{}

func (ADCSim) Sample() (byte, bool) {
	var b [1]byte
	rand.Read(b[:])
	var bit [1]byte
	rand.Read(bit[:])
	return b[0], bit[0]&1 == 1
}

// warmupOutputs mirrors random_init()'s practice of consuming ~16
// pre-outputs to warm up the pool before trusting its first real word.
const warmupOutputs = 16

// Source is the random number core: entropy pool + TinyMT mixing feeding
// a bounded ring buffer, plus the single-outstanding-borrow 32-byte buffer
// API random_bytes_get/random_bytes_free describe.
type Source struct {
	sampler Sampler
	limiter *rate.Limiter

	pool entropyPool
	tmt  *tinyMT
	tick uint64 // advanced every Sample call; low bit stands in for SysTick->VAL bit 1

	ring *ring

	mu      sync.Mutex
	cond    *sync.Cond
	buf     [32]byte
	borrowed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Source. rateLimit paces the simulated ADC sampler;
// pass nil to sample as fast as the goroutine scheduler allows (only
// appropriate for tests).
func New(sampler Sampler, rateLimit *rate.Limiter) *Source {
	s := &Source{
		sampler: sampler,
		limiter: rateLimit,
		tmt:     newTinyMT(0),
		ring:    newRing(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Init warms up the generator (discarding the first ~16 outputs) and
// starts the producer goroutine. Cancel the returned
// context (via Stop) to terminate it — the analogue of random_fini being
// called on USB suspend.
func (s *Source) Init(ctx context.Context) {
	for i := 0; i < warmupOutputs; i++ {
		s.generateOne(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.run(runCtx)
	}()
}

// Stop terminates the producer goroutine and waits for it to exit,
// modeling random_fini (called on USB suspend to save power).
func (s *Source) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Source) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		v, ok := s.generateOne(ctx)
		if !ok {
			return
		}

		s.ring.put(v)
	}
}

// generateOne runs one full round of NUM_NOISE_INPUTS ADC samples through
// the entropy pool and returns the whitened, TinyMT-mixed output word.
func (s *Source) generateOne(ctx context.Context) (uint32, bool) {
	for round := 0; round < numNoiseInputs; round++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return 0, false
			}
		}

		entropyByte, extraBit := s.sampler.Sample()
		s.pool.add(entropyByte, extraBit)
	}

	v := s.pool.output(s.probabilityTick)

	s.tmt.step()
	v ^= s.tmt.value()

	return v, true
}

// probabilityTick is PROBABILITY_50_BY_TICK's portable stand-in: a
// monotonically advancing counter's low bit, rather than a hardware
// SysTick register — it is a decorrelator, not an entropy source (see
// entropy.go's output doc comment).
func (s *Source) probabilityTick() bool {
	return atomic.AddUint64(&s.tick, 1)&1 == 1
}

// Reseed mixes a fresh entropy-pool output into the TinyMT state and
// flushes the ring, the equivalent of neug_prng_reseed.
func (s *Source) Reseed(ctx context.Context) {
	seed := s.pool.output(s.probabilityTick)
	s.tmt.init(seed)
	s.ring.flush()
}

// GetBytes blocks until 32 bytes of random data are available, and
// returns a borrowed view into the Source's internal buffer. The caller
// must call Free when done; only one borrow may be outstanding at a time,
// matching the firmware's single static buffer.
func (s *Source) GetBytes() []byte {
	s.mu.Lock()
	for s.borrowed {
		s.cond.Wait()
	}
	s.borrowed = true
	s.mu.Unlock()

	for i := 0; i < len(s.buf); i += 4 {
		v := s.ring.get()
		s.buf[i] = byte(v)
		s.buf[i+1] = byte(v >> 8)
		s.buf[i+2] = byte(v >> 16)
		s.buf[i+3] = byte(v >> 24)
	}

	return s.buf[:]
}

// FreeBytes zeroes the borrowed buffer and allows the next GetBytes to
// proceed.
func (s *Source) FreeBytes() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.buf {
		s.buf[i] = 0
	}
	s.borrowed = false
	s.cond.Signal()
}

// GetSalt returns one 32-bit word directly from the ring, without the
// borrow/free buffer protocol — used where a non-secret salt is needed
// (e.g. S2K salts) and zeroing afterward is not meaningful.
func (s *Source) GetSalt() uint32 {
	return s.ring.get()
}

// FillKey is a convenience used by cryptoprov to obtain exactly n
// cryptographic-quality random bytes (n need not be 32), by repeatedly
// borrowing and copying from the 32-byte buffer.
func (s *Source) FillKey(n int) []byte {
	out := make([]byte, 0, n)

	for len(out) < n {
		b := s.GetBytes()
		need := n - len(out)
		if need > len(b) {
			need = len(b)
		}
		out = append(out, b[:need]...)
		s.FreeBytes()
	}

	if len(out) != n {
		log.Panicf("rng: FillKey produced %d bytes, want %d", len(out), n)
	}

	return out
}
