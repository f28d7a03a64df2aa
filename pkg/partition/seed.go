package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// ErrMissingSalt means the production seed path was requested without a salt.
// This is a fatal configuration error: an unsalted schedule would be
// predictable by anyone able to read campaign parameters.
var ErrMissingSalt = errors.New("partition: seed salt is required and not configured")

// Seeder derives the per-epoch seed. Production derivation hashes a secret
// salt together with the campaign and epoch identity; the explicit override
// exists for deterministic tests and replay tooling.
type Seeder struct {
	salt     string
	override *uint64
}

// NewSeeder builds a production Seeder. The salt is mandatory.
func NewSeeder(salt string) (Seeder, error) {
	if salt == "" {
		return Seeder{}, ErrMissingSalt
	}
	return Seeder{salt: salt}, nil
}

// NewFixedSeeder returns a Seeder that always yields seed, bypassing hash
// derivation. Test/override path only.
func NewFixedSeeder(seed uint64) Seeder {
	return Seeder{override: &seed}
}

// EpochSeed derives the seed for one epoch of one campaign. The digest covers
// the salt plus every parameter that identifies the epoch, so two epochs never
// share a schedule and reprocessing an epoch always reproduces it.
func (s Seeder) EpochSeed(campaignID string, epochNumber uint64, campaignStart, campaignEnd, epochStart, epochEnd time.Time) uint64 {
	if s.override != nil {
		return *s.override
	}

	h := sha3.New256()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d|%d|%d",
		s.salt, campaignID, epochNumber,
		campaignStart.Unix(), campaignEnd.Unix(),
		epochStart.Unix(), epochEnd.Unix())
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
