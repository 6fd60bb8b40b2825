package config

import (
	"log"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"golang.org/x/time/rate"
)

func rateLimiter(rstr string) (*rate.Limiter, error) {
	var rateSize int
	rstr = strings.ToLower(strings.TrimSpace(rstr))
	switch rstr {
	case "low":
		// ~50k/s
		rateSize = 50000
	case "medium":
		// ~500k/s
		rateSize = 500000
	case "high":
		// ~1500k/s
		rateSize = 1500000
	case "unlimited", "0", "":
		return rate.NewLimiter(rate.Inf, 0), nil
	default:
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(rstr)); err != nil {
			return nil, err
		}
		rateSize = int(v.Bytes())
	}
	return rate.NewLimiter(rate.Limit(rateSize), rateSize), nil
}

func (c *Config) UploadLimiter() *rate.Limiter {
	l, err := rateLimiter(c.UploadRate)
	if err != nil {
		log.Printf("RateLimit [%s] unrecognized, set as unlimited", c.UploadRate)
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

func (c *Config) DownloadLimiter() *rate.Limiter {
	l, err := rateLimiter(c.DownloadRate)
	if err != nil {
		log.Printf("RateLimit [%s] unrecognized, set as unlimited", c.DownloadRate)
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

// RateLimiter is the shared token bucket all torrents' peers draw
// from. TryConsume grants up to n bytes without blocking; a zero grant
// tells the caller to defer the batch, not to fail it.
type RateLimiter struct {
	upload   *rate.Limiter
	download *rate.Limiter
}

func NewRateLimiter(c *Config) *RateLimiter {
	return &RateLimiter{
		upload:   c.UploadLimiter(),
		download: c.DownloadLimiter(),
	}
}

func (r *RateLimiter) TryConsume(upload bool, n int) int {
	l := r.download
	if upload {
		l = r.upload
	}
	if l.Limit() == rate.Inf {
		return n
	}
	// Withdraw in shrinking halves so a large batch still gets a
	// partial grant when the bucket is low.
	for n > 0 {
		if l.AllowN(time.Now(), n) {
			return n
		}
		n /= 2
	}
	return 0
}
