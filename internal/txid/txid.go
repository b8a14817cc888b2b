// Package txid generates the human-readable identifiers used across the
// system: date-prefixed transaction codes for sales and short medicine
// codes for catalog entries. Sequences are per-process; the store's unique
// constraints back uniqueness across processes.
package txid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// New returns an opaque entity id like "sale-1756500000000000000-ded0a1b2c3d4e5f6".
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Generator issues sale transaction ids of the form
// TXN-YYYYMMDD-<seq>-<rand> and medicine ids of the form MED-<seq>-<rand>.
// The sale sequence resets each calendar day so codes sort by issue order
// within a day.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	day     string
	saleSeq int
	medSeq  int
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorAt pins the generator's clock, for tests.
func NewGeneratorAt(now func() time.Time) *Generator {
	return &Generator{now: now}
}

func (g *Generator) NextTransactionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	day := g.now().UTC().Format("20060102")
	if day != g.day {
		g.day = day
		g.saleSeq = 0
	}
	g.saleSeq++
	return fmt.Sprintf("TXN-%s-%04d-%s", day, g.saleSeq, randTail(3))
}

func (g *Generator) NextMedicineID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.medSeq++
	return fmt.Sprintf("MED-%04d-%s", g.medSeq, randTail(3))
}

func randTail(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%06x", time.Now().UnixNano()&0xffffff)
	}
	return hex.EncodeToString(buf)
}
