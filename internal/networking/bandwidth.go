package networking

import (
	"math"
	"sync"
	"time"
)

// BandwidthUsage captures the throttling state for a single observer.
type BandwidthUsage struct {
	Peer            string
	AvailableBytes  float64
	BytesPerSecond  float64
	ObservedSeconds float64
	DeniedFrames    int64
	LastRefill      time.Time
}

type bandwidthBucket struct {
	tokens float64
	last   time.Time
	window time.Time
	sent   int64
	denied int64
}

// BandwidthRegulator enforces a token-bucket byte budget per observer. Frames
// refused by the bucket are dropped, mirroring the transport's lossy contract.
type BandwidthRegulator struct {
	mu       sync.Mutex
	buckets  map[string]*bandwidthBucket
	capacity float64
	refill   float64
	now      func() time.Time
}

// NewBandwidthRegulator constructs a regulator enforcing the supplied byte rate.
// A non-positive rate disables throttling and yields a nil regulator, which
// admits every frame.
func NewBandwidthRegulator(bytesPerSecond float64, clock func() time.Time) *BandwidthRegulator {
	if bytesPerSecond <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &BandwidthRegulator{
		buckets:  make(map[string]*bandwidthBucket),
		capacity: bytesPerSecond,
		refill:   bytesPerSecond,
		now:      clock,
	}
}

func (r *BandwidthRegulator) replenish(bucket *bandwidthBucket, now time.Time) {
	//1.- Skip negative intervals to protect against clock skew.
	if now.Before(bucket.last) {
		return
	}
	elapsed := now.Sub(bucket.last).Seconds()
	if elapsed <= 0 {
		bucket.last = now
		return
	}
	//2.- Accumulate fresh tokens using the configured refill rate.
	bucket.tokens = math.Min(bucket.tokens+elapsed*r.refill, r.capacity)
	bucket.last = now
}

// Allow charges the frame size against the peer's budget.
func (r *BandwidthRegulator) Allow(peer string, frameBytes int) bool {
	if r == nil || peer == "" || frameBytes <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket := r.buckets[peer]
	if bucket == nil {
		//1.- New observers start with a full bucket so the first snapshot goes out.
		bucket = &bandwidthBucket{tokens: r.capacity, last: now, window: now}
		r.buckets[peer] = bucket
	}
	r.replenish(bucket, now)

	request := float64(frameBytes)
	if request > bucket.tokens {
		bucket.denied++
		return false
	}
	bucket.tokens -= request
	bucket.sent += int64(frameBytes)
	return true
}

// Forget removes the bucket for a disconnected observer.
func (r *BandwidthRegulator) Forget(peer string) {
	if r == nil || peer == "" {
		return
	}
	r.mu.Lock()
	delete(r.buckets, peer)
	r.mu.Unlock()
}

// SnapshotUsage reports the current throttling statistics per observer.
func (r *BandwidthRegulator) SnapshotUsage() map[string]BandwidthUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buckets) == 0 {
		return nil
	}

	now := r.now()
	usage := make(map[string]BandwidthUsage, len(r.buckets))
	for peer, bucket := range r.buckets {
		r.replenish(bucket, now)
		observed := math.Max(now.Sub(bucket.window).Seconds(), 0)
		rate := 0.0
		if observed > 0 {
			rate = float64(bucket.sent) / observed
		}
		usage[peer] = BandwidthUsage{
			Peer:            peer,
			AvailableBytes:  math.Max(bucket.tokens, 0),
			BytesPerSecond:  rate,
			ObservedSeconds: observed,
			DeniedFrames:    bucket.denied,
			LastRefill:      bucket.last,
		}
	}
	return usage
}
