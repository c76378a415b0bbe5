// Copyright 2025 Lagoon Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package curve

import (
	"math/big"
	"time"
)

const (
	// BasisPointsDivisor is the fixed-point scale used for multipliers
	// and allocation weights (10000 = 100% = 1x)
	BasisPointsDivisor = 10000

	// BaseMultiplierBps is the voting power multiplier at warmup completion (1x)
	BaseMultiplierBps = 10000

	// MaxMultiplierBps is the voting power multiplier cap (2x)
	MaxMultiplierBps = 20000

	DefaultWarmupDuration = 72 * time.Hour
	DefaultMaxTime        = 730 * 24 * time.Hour
)

// Params holds the curve shape configuration. The zero value is not usable;
// use DefaultParams or construct explicitly.
type Params struct {
	// WarmupDuration is the period after lock creation during which voting
	// power is zero
	WarmupDuration time.Duration
	// MaxTime is the post-warmup duration at which the multiplier reaches
	// MaxMultiplierBps and stops growing
	MaxTime time.Duration
}

func DefaultParams() Params {
	return Params{
		WarmupDuration: DefaultWarmupDuration,
		MaxTime:        DefaultMaxTime,
	}
}

// MultiplierBpsAt returns the fixed-point voting power multiplier for a lock
// created at createdAt, evaluated at the given instant. The multiplier is
// zero during warmup, BaseMultiplierBps at warmup completion, and ramps
// linearly to MaxMultiplierBps over MaxTime, clamped thereafter. Negative
// elapsed time (clock skew) is treated as zero elapsed
func (p Params) MultiplierBpsAt(createdAt, now time.Time) uint64 {
	warmupEnd := createdAt.Add(p.WarmupDuration)
	if now.Before(warmupEnd) {
		return 0
	}
	elapsed := now.Sub(warmupEnd)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= p.MaxTime {
		return MaxMultiplierBps
	}
	// BaseMultiplierBps + BasisPointsDivisor * elapsed / MaxTime, computed
	// in integer nanoseconds so results are bit-reproducible
	ramp := new(big.Int).SetInt64(int64(elapsed))
	ramp.Mul(ramp, big.NewInt(BasisPointsDivisor))
	ramp.Quo(ramp, big.NewInt(int64(p.MaxTime)))
	return BaseMultiplierBps + ramp.Uint64()
}

// PowerAt returns the voting power of a lock of the given amount created at
// createdAt, evaluated at now. Returns zero during warmup. All arithmetic is
// integer fixed-point; intermediates use big.Int so amounts near the uint64
// ceiling cannot overflow
func (p Params) PowerAt(amount uint64, createdAt, now time.Time) uint64 {
	mult := p.MultiplierBpsAt(createdAt, now)
	if mult == 0 {
		return 0
	}
	power := new(big.Int).SetUint64(amount)
	power.Mul(power, new(big.Int).SetUint64(mult))
	power.Quo(power, big.NewInt(BasisPointsDivisor))
	if !power.IsUint64() {
		// amount * 2x can exceed uint64; saturate rather than wrap
		return ^uint64(0)
	}
	return power.Uint64()
}

// ProjectedPowerAt evaluates the same curve at a future instant. Used for
// previews; agrees exactly with PowerAt when futureTime equals now
func (p Params) ProjectedPowerAt(
	amount uint64,
	createdAt, futureTime time.Time,
) uint64 {
	return p.PowerAt(amount, createdAt, futureTime)
}

// WarmupEnd returns the instant at which a lock created at createdAt starts
// accruing voting power
func (p Params) WarmupEnd(createdAt time.Time) time.Time {
	return createdAt.Add(p.WarmupDuration)
}
