package drand

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Stub is a deterministic in-process beacon for stub mode and tests.
// Randomness is derived from the round number alone, so reruns of the
// same case select the same jury.
type Stub struct {
	Genesis int64
	Period  int64
}

// NewStub returns a stub beacon with a 3 second period, matching the
// cadence of drand's quicknet chain.
func NewStub() *Stub {
	return &Stub{Genesis: 1700000000, Period: 3}
}

// ChainInfo describes the synthetic chain.
func (s *Stub) ChainInfo(_ context.Context) (*ChainInfo, error) {
	return &ChainInfo{
		Period:      s.Period,
		GenesisTime: s.Genesis,
		Hash:        "stub-" + s.seed(0)[:16],
		SchemeID:    "stub-sha256",
	}, nil
}

// RoundAt returns the synthetic round covering at.
func (s *Stub) RoundAt(ctx context.Context, at time.Time) (*Round, error) {
	info, err := s.ChainInfo(ctx)
	if err != nil {
		return nil, err
	}
	number := RoundNumberAt(info, at)
	return &Round{
		Round:      number,
		Randomness: s.seed(number),
		Signature:  "stub",
	}, nil
}

func (s *Stub) seed(round uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("opencawt-stub-beacon|%d|%d|%d", s.Genesis, s.Period, round)))
	return hex.EncodeToString(sum[:])
}
