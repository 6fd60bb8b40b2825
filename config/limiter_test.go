package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiterPresets(t *testing.T) {
	for rstr, want := range map[string]rate.Limit{
		"low":       50000,
		"medium":    500000,
		"high":      1500000,
		"unlimited": rate.Inf,
		"0":         rate.Inf,
		"":          rate.Inf,
	} {
		l, err := rateLimiter(rstr)
		assert.NoError(t, err, rstr)
		assert.Equal(t, want, l.Limit(), rstr)
	}
}

func TestRateLimiterParsesByteSizes(t *testing.T) {
	l, err := rateLimiter("1MB")
	assert.NoError(t, err)
	assert.Equal(t, rate.Limit(1048576), l.Limit())

	l, err = rateLimiter(" 250KB ")
	assert.NoError(t, err)
	assert.Equal(t, rate.Limit(256000), l.Limit())

	_, err = rateLimiter("fast-ish")
	assert.Error(t, err)
}

func TestUnparsableRateFallsBackToUnlimited(t *testing.T) {
	c := &Config{UploadRate: "warp9", DownloadRate: "warp9"}
	assert.Equal(t, rate.Inf, c.UploadLimiter().Limit())
	assert.Equal(t, rate.Inf, c.DownloadLimiter().Limit())
}

func TestTryConsumeUnlimitedGrantsEverything(t *testing.T) {
	r := NewRateLimiter(&Config{UploadRate: "unlimited", DownloadRate: "unlimited"})
	assert.Equal(t, 1 << 20, r.TryConsume(true, 1<<20))
	assert.Equal(t, 1 << 20, r.TryConsume(false, 1<<20))
}

func TestTryConsumePartialGrantWhenBucketLow(t *testing.T) {
	r := NewRateLimiter(&Config{UploadRate: "1KB", DownloadRate: "unlimited"})

	// the bucket holds at most 1024 tokens; a 4096-byte batch gets a
	// shrunken grant rather than a refusal
	got := r.TryConsume(true, 4096)
	assert.True(t, got > 0 && got <= 1024, "grant %d", got)
}

func TestTryConsumeDefersWhenBucketEmpty(t *testing.T) {
	// one token per second, burst of one: the first byte drains it
	r := NewRateLimiter(&Config{UploadRate: "1B", DownloadRate: "unlimited"})

	assert.Equal(t, 1, r.TryConsume(true, 4096))
	assert.Equal(t, 0, r.TryConsume(true, 4096))
}