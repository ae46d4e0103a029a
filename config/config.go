// Package config loads chain parameters and committee membership, the way
// the teacher's config package loads cluster/crypto material, but
// generalized to KonsensusV1's round/epoch/finalizer-weight model.
package config

import (
	"crypto/ed25519"
	"fmt"

	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"

	"github.com/solacechain/konsensus/types"
)

// FinalizerInfo is one seat in a finalization committee.
type FinalizerInfo struct {
	Baker types.BakerId

	// EdKey verifies the finalizer's Ed25519-signed envelopes (quorum and
	// timeout message signatures, block signatures when the finalizer is
	// also the baker).
	EdKey ed25519.PublicKey

	// BLSKey is the finalizer's individual BLS public key, used to verify
	// timeout-certificate aggregate signatures (crypto.VerifyTimeoutCertificate).
	BLSKey kyber.Point

	// VRFKey verifies the finalizer's leader-election proofs
	// (crypto.VerifyVrfLeaderElection).
	VRFKey kyber.Point

	// Weight is the finalizer's voting weight; threshold checks compare
	// accumulated weight against Committee.TotalWeight(). The same figure
	// doubles as the finalizer's leader-election lottery power (spec.md
	// §4.1's "lotteryPower"), a stake-weighted sortition being the natural
	// reading of "VRF-based lottery" absent a separately specified power.
	Weight uint64
}

// Committee is a finalization committee for one epoch.
type Committee struct {
	Epoch   types.Epoch
	Members map[types.FinalizerIndex]FinalizerInfo

	// ThresholdPublicKey is the committee's shared BLS public polynomial,
	// used to verify QCs (a single aggregate signature recovered via
	// Shamir/threshold interpolation over the identical quorum payload).
	ThresholdPublicKey *share.PubPoly
}

// TotalWeight sums the weight of every committee member.
func (c *Committee) TotalWeight() uint64 {
	var total uint64
	for _, m := range c.Members {
		total += m.Weight
	}
	return total
}

// Get returns the finalizer info for idx, or false if idx is not seated.
func (c *Committee) Get(idx types.FinalizerIndex) (FinalizerInfo, bool) {
	info, ok := c.Members[idx]
	return info, ok
}

// IndexOf returns the seat a baker holds in this committee, if any.
func (c *Committee) IndexOf(baker types.BakerId) (types.FinalizerIndex, bool) {
	for idx, m := range c.Members {
		if m.Baker == baker {
			return idx, true
		}
	}
	return 0, false
}

// Threshold is a rational weight fraction, e.g. 2/3 (spec.md §3: "the
// genesis signature threshold (default 2/3)").
type Threshold struct {
	Numerator   uint64
	Denominator uint64
}

// DefaultThreshold is the spec's default genesis signature threshold.
var DefaultThreshold = Threshold{Numerator: 2, Denominator: 3}

// Rational is a non-negative rational used for the chain's timeout-growth
// factor (spec.md §4.3 "timeoutIncrease").
type Rational struct {
	Numerator   uint64
	Denominator uint64
}

// Apply scales d by the rational, rounding down, floored at
// types.MinDuration (spec.md §4.3 "Timeout duration").
func (r Rational) Apply(d types.Duration) types.Duration {
	if r.Denominator == 0 {
		return d
	}
	scaled := (uint64(d) * r.Numerator) / r.Denominator
	if scaled < uint64(types.MinDuration) {
		return types.MinDuration
	}
	return types.Duration(scaled)
}

// Config is the full set of chain parameters KonsensusV1 needs at
// construction time, generalizing the teacher's config.Config.
type Config struct {
	Name types.BakerId

	GenesisHash  types.BlockHash
	Threshold    Threshold
	TimeoutIncrease Rational

	InitialTimeout      types.Duration
	EarlyBlockThreshold types.Duration

	// DeadCacheCapacity bounds the dead-block FIFO cache (spec.md §3
	// "bounded FIFO set of recently-rejected block hashes").
	DeadCacheCapacity int

	// CatchUpBlockBatchSize bounds how many blocks a single catch-up
	// response is allowed to stream before the caller must request more
	// (spec.md §4.8, §5 "bounded-capacity send operations").
	CatchUpBlockBatchSize int

	// LocalBaker and the Local* keys identify this node, if it is itself a
	// baker/finalizer.
	LocalBaker       types.BakerId
	LocalEdPrivate   ed25519.PrivateKey
	LocalVrfPrivate  kyber.Scalar
	LocalTSPrivate   *share.PriShare
	LocalBLSPrivate  kyber.Scalar

	LogLevel int

	InitialCommittee *Committee
}

// Load reads chain parameters from a viper-backed config file, mirroring
// the teacher's config.LoadConfig(path, name) entry point.
func Load(path, name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	if path != "" {
		v.AddConfigPath(path)
	} else {
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		Name:                types.BakerId(v.GetString("name")),
		Threshold:           DefaultThreshold,
		InitialTimeout:      types.Duration(v.GetUint64("initial_timeout_ms")),
		EarlyBlockThreshold: types.Duration(v.GetUint64("early_block_threshold_ms")),
		DeadCacheCapacity:   v.GetInt("dead_cache_capacity"),
		CatchUpBlockBatchSize: v.GetInt("catchup_batch_size"),
		LogLevel:            v.GetInt("log_level"),
	}
	if num := v.GetUint64("threshold_numerator"); num != 0 {
		cfg.Threshold.Numerator = num
	}
	if den := v.GetUint64("threshold_denominator"); den != 0 {
		cfg.Threshold.Denominator = den
	}
	cfg.TimeoutIncrease = Rational{
		Numerator:   v.GetUint64("timeout_increase_numerator"),
		Denominator: v.GetUint64("timeout_increase_denominator"),
	}
	if cfg.DeadCacheCapacity == 0 {
		cfg.DeadCacheCapacity = 4096
	}
	if cfg.CatchUpBlockBatchSize == 0 {
		cfg.CatchUpBlockBatchSize = 64
	}
	return cfg, nil
}
