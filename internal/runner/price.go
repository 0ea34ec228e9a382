package runner

import (
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/metrics"
)

// checkPriceDrop compares price to the group's previous minimum, raises an
// alert when a subscription covers the drop, and records the observation.
func (a *activation) checkPriceDrop(logger *zap.Logger, group crawler.GroupPrice, found bool, gid crawler.GroupID, price int64, at time.Time) {
	alerts := a.r.deps.Alerts
	if alerts == nil {
		return
	}
	module := a.req.Module.ID
	if found && group.HasPrice && price < group.MinPrice {
		if alerts.CheckPrice(module, gid, price) {
			err := alerts.Alert(a.ctx, crawler.Alert{
				ModuleID:   module,
				GroupID:    gid,
				ProductID:  a.current,
				Previous:   group.MinPrice,
				Price:      price,
				ObservedAt: at,
			})
			if err != nil {
				logger.Error("error sending price alert", zap.Error(err))
			}
		} else {
			metrics.ObservePriceDrop(false)
		}
	}
	if err := alerts.RecordPrice(a.ctx, module, gid, at, price); err != nil {
		logger.Error("error recording price", zap.Error(err))
	}
}

// ParsePrice converts a price attribute to minor units. Integers are taken as
// cents; strings are decimal amounts with an optional currency symbol,
// thousands separators and at most two fractional digits.
func ParsePrice(v crawler.Value) (int64, bool) {
	if v.Kind == crawler.ValueInt {
		return v.Int, v.Int >= 0
	}
	if strings.Contains(v.Str, "-") {
		return 0, false
	}
	s := strings.TrimSpace(v.Str)
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return r != '.' && (r < '0' || r > '9')
	})
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, false
	}
	whole, frac, _ := strings.Cut(s, ".")
	if (whole == "" && frac == "") || len(frac) > 2 {
		return 0, false
	}
	var units int64
	for _, c := range whole {
		if c < '0' || c > '9' {
			return 0, false
		}
		if units > (math.MaxInt64-9)/10 {
			return 0, false
		}
		units = units*10 + int64(c-'0')
	}
	var cents int64
	for i := 0; i < 2; i++ {
		cents *= 10
		if i < len(frac) {
			c := frac[i]
			if c < '0' || c > '9' {
				return 0, false
			}
			cents += int64(c - '0')
		}
	}
	if units > (math.MaxInt64-cents)/100 {
		return 0, false
	}
	return units*100 + cents, true
}
