package gate

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBusy is returned when another deployment holds the slot.
var ErrBusy = errors.New("deployment already in progress")

// Gate owns the single deployment slot. Concurrent triggers are admitted or
// rejected immediately; nothing queues behind a running deployment.
type Gate struct {
	mu          sync.Mutex
	occupied    bool
	holder      string
	acquiredAt  time.Time
	slotTimeout time.Duration
}

// Slot is exclusive permission to run one deployment. Release is idempotent
// and must be called on every exit path of the holder.
type Slot struct {
	g      *Gate
	holder string
	once   sync.Once
}

// New creates a gate whose slot auto-expires after slotTimeout if the holder
// never releases it (e.g. the executor process died mid-deploy).
func New(slotTimeout time.Duration) *Gate {
	return &Gate{slotTimeout: slotTimeout}
}

// Admit tries to take the slot for holder. It never blocks: if the slot is
// occupied and not stale the caller gets ErrBusy.
func (g *Gate) Admit(holder string) (*Slot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.occupied {
		age := time.Since(g.acquiredAt)
		if g.slotTimeout <= 0 || age < g.slotTimeout {
			return nil, ErrBusy
		}
		logrus.WithFields(logrus.Fields{
			"holder": g.holder,
			"age":    age,
		}).Warn("Expiring stale deployment slot")
	}

	g.occupied = true
	g.holder = holder
	g.acquiredAt = time.Now()
	return &Slot{g: g, holder: holder}, nil
}

// Busy reports whether a deployment currently holds the slot.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.occupied && (g.slotTimeout <= 0 || time.Since(g.acquiredAt) < g.slotTimeout)
}

// Holder returns the current slot holder and acquisition time.
func (g *Gate) Holder() (string, time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.occupied {
		return "", time.Time{}, false
	}
	return g.holder, g.acquiredAt, true
}

// Release frees the slot. Safe to call more than once; only the first call
// has an effect, and only if this slot is still the current holder.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.g.mu.Lock()
		defer s.g.mu.Unlock()
		// A stale slot may already have been taken over by a newer holder.
		if s.g.occupied && s.g.holder == s.holder {
			s.g.occupied = false
			s.g.holder = ""
		}
	})
}
