package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const slidingShards = 32

// SlidingLog keeps, per user, the timestamps of admitted requests within
// the last hour and rejects once the minute or hour window is full.
// Rejected attempts are never logged, so they do not count toward future
// windows. State is sharded by user id and pruned on access; Prune reclaims
// entries of users that went quiet.
type SlidingLog struct {
	perMinute int
	perHour   int
	now       func() time.Time
	shards    [slidingShards]slidingShard
}

type slidingShard struct {
	mu    sync.Mutex
	users map[string][]time.Time
}

func NewSlidingLog(perMinute, perHour int) *SlidingLog {
	s := &SlidingLog{perMinute: perMinute, perHour: perHour, now: time.Now}
	for i := range s.shards {
		s.shards[i].users = map[string][]time.Time{}
	}
	return s
}

func (s *SlidingLog) shardFor(userID string) *slidingShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.shards[h.Sum32()%slidingShards]
}

func (s *SlidingLog) Admit(_ context.Context, userID string) (Decision, error) {
	now := s.now()
	shard := s.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	points := shard.users[userID]
	kept := points[:0]
	for _, p := range points {
		if now.Sub(p) < time.Hour {
			kept = append(kept, p)
		}
	}

	minuteCount := 0
	var oldestMinute time.Time
	for _, p := range kept {
		if now.Sub(p) < time.Minute {
			if minuteCount == 0 || p.Before(oldestMinute) {
				oldestMinute = p
			}
			minuteCount++
		}
	}
	if minuteCount >= s.perMinute {
		shard.users[userID] = kept
		return Decision{
			RetryAfter: time.Minute - now.Sub(oldestMinute),
			Count:      minuteCount,
		}, nil
	}
	if len(kept) >= s.perHour {
		oldest := kept[0]
		for _, p := range kept {
			if p.Before(oldest) {
				oldest = p
			}
		}
		shard.users[userID] = kept
		return Decision{
			RetryAfter: time.Hour - now.Sub(oldest),
			Count:      len(kept),
		}, nil
	}

	kept = append(kept, now)
	shard.users[userID] = kept
	return Decision{Allowed: true, Count: len(kept)}, nil
}

// Prune drops users whose entries have all aged out of the hour window.
func (s *SlidingLog) Prune() int {
	now := s.now()
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for user, points := range shard.users {
			live := false
			for _, p := range points {
				if now.Sub(p) < time.Hour {
					live = true
					break
				}
			}
			if !live {
				delete(shard.users, user)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
