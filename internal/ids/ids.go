// Package ids emits the kernel's two identifier families: ULID-shaped
// 26-char Crockford-base32 IDs (monotonic within a clock tick) and
// deterministic hash-seeded variants for content-derived entities.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/admo/meshkernel/internal/clock"
)

// crockford is the base32 alphabet used by ULIDs (no I, L, O, U).
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Factory produces ULID-shaped identifiers from the injected clock.
// Within a single clock tick the entropy field is incremented, so IDs
// remain strictly monotonic even when Now() does not move.
type Factory struct {
	mu       sync.Mutex
	clk      clock.Clock
	lastMs   uint64
	lastRand [10]byte
}

func NewFactory(clk clock.Clock) *Factory {
	return &Factory{clk: clk}
}

// New returns a fresh 26-char identifier.
func (f *Factory) New() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ms := uint64(f.clk.Now().UnixMilli())
	if ms == f.lastMs {
		incrementEntropy(&f.lastRand)
	} else {
		f.lastMs = ms
		if _, err := rand.Read(f.lastRand[:]); err != nil {
			// crypto/rand failure is unrecoverable for ID generation
			panic(fmt.Sprintf("ids: entropy source failed: %v", err))
		}
	}
	return encode(ms, f.lastRand)
}

// Deterministic derives a ULID-shaped ID whose entropy field is the
// SHA-256 of the sorted (part, timestamp) tuples. Identical inputs
// always produce the identical ID. derivedAt supplies the time field.
func Deterministic(derivedAt time.Time, parts []string) string {
	sorted := make([]string, len(parts))
	copy(sorted, parts)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	var entropy [10]byte
	copy(entropy[:], sum[:10])
	return encode(uint64(derivedAt.UTC().UnixMilli()), entropy)
}

func incrementEntropy(e *[10]byte) {
	for i := 9; i >= 0; i-- {
		e[i]++
		if e[i] != 0 {
			return
		}
	}
}

// encode packs a 48-bit millisecond timestamp and 80 bits of entropy
// into the standard 26-char ULID base32 layout.
func encode(ms uint64, entropy [10]byte) string {
	var b [16]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(ms>>32))
	binary.BigEndian.PutUint32(b[2:6], uint32(ms))
	copy(b[6:], entropy[:])

	var out [26]byte
	// 10 chars of timestamp (48 bits, 5 bits per char, top char uses 3)
	out[0] = crockford[(b[0]&224)>>5]
	out[1] = crockford[b[0]&31]
	out[2] = crockford[(b[1]&248)>>3]
	out[3] = crockford[((b[1]&7)<<2)|((b[2]&192)>>6)]
	out[4] = crockford[(b[2]&62)>>1]
	out[5] = crockford[((b[2]&1)<<4)|((b[3]&240)>>4)]
	out[6] = crockford[((b[3]&15)<<1)|((b[4]&128)>>7)]
	out[7] = crockford[(b[4]&124)>>2]
	out[8] = crockford[((b[4]&3)<<3)|((b[5]&224)>>5)]
	out[9] = crockford[b[5]&31]
	// 16 chars of entropy (80 bits)
	out[10] = crockford[(b[6]&248)>>3]
	out[11] = crockford[((b[6]&7)<<2)|((b[7]&192)>>6)]
	out[12] = crockford[(b[7]&62)>>1]
	out[13] = crockford[((b[7]&1)<<4)|((b[8]&240)>>4)]
	out[14] = crockford[((b[8]&15)<<1)|((b[9]&128)>>7)]
	out[15] = crockford[(b[9]&124)>>2]
	out[16] = crockford[((b[9]&3)<<3)|((b[10]&224)>>5)]
	out[17] = crockford[b[10]&31]
	out[18] = crockford[(b[11]&248)>>3]
	out[19] = crockford[((b[11]&7)<<2)|((b[12]&192)>>6)]
	out[20] = crockford[(b[12]&62)>>1]
	out[21] = crockford[((b[12]&1)<<4)|((b[13]&240)>>4)]
	out[22] = crockford[((b[13]&15)<<1)|((b[14]&128)>>7)]
	out[23] = crockford[(b[14]&124)>>2]
	out[24] = crockford[((b[14]&3)<<3)|((b[15]&224)>>5)]
	out[25] = crockford[b[15]&31]
	return string(out[:])
}
