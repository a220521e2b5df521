package service

import (
	"math/rand"
	"sync"
	"time"

	"incomeengine/internal/model"

	"github.com/shopspring/decimal"
)

// RateSource 在 [min, max] 区间内抽取日收益率（百分比）
type RateSource interface {
	Draw(min, max decimal.Decimal) decimal.Decimal
}

type randomRateSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomRateSource 均匀分布抽取收益率，结果保留 4 位小数
func NewRandomRateSource(seed int64) RateSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &randomRateSource{rnd: rand.New(rand.NewSource(seed))}
}

func (r *randomRateSource) Draw(min, max decimal.Decimal) decimal.Decimal {
	if !max.GreaterThan(min) {
		return min
	}
	r.mu.Lock()
	f := r.rnd.Float64()
	r.mu.Unlock()

	return min.Add(max.Sub(min).Mul(decimal.NewFromFloat(f))).Round(model.AmountScale)
}
