package blocklist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"authgate/internal/kv"
)

// BlockInfo is the stored record behind a blocked IP flag.
type BlockInfo struct {
	IPAddress    string    `json:"ip_address"`
	BlockedUntil time.Time `json:"blocked_until"`
	Reason       string    `json:"reason"`
}

// Blocklist keeps TTL-expiring block flags for source addresses. The TTL on
// the key is the enforcement mechanism; BlockedUntil inside the value is
// informational for callers and audit records.
type Blocklist struct {
	store kv.Store
	now   func() time.Time
}

func NewBlocklist(store kv.Store) *Blocklist {
	return &Blocklist{store: store, now: time.Now}
}

func blockKey(ip string) string {
	return "block:ip:" + ip
}

func (b *Blocklist) BlockIP(ctx context.Context, ip string, duration time.Duration, reason string) error {
	if duration <= 0 {
		return fmt.Errorf("block duration must be positive")
	}

	info := BlockInfo{
		IPAddress:    ip,
		BlockedUntil: b.now().UTC().Add(duration),
		Reason:       reason,
	}
	encoded, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode block info: %w", err)
	}

	return b.store.Set(ctx, blockKey(ip), string(encoded), duration)
}

func (b *Blocklist) IsBlocked(ctx context.Context, ip string) (bool, BlockInfo, error) {
	raw, ok, err := b.store.Get(ctx, blockKey(ip))
	if err != nil {
		return false, BlockInfo{}, err
	}
	if !ok {
		return false, BlockInfo{}, nil
	}

	var info BlockInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		// A corrupt entry still blocks; the key exists for a reason.
		return true, BlockInfo{IPAddress: ip}, nil
	}
	return true, info, nil
}

func (b *Blocklist) UnblockIP(ctx context.Context, ip string) error {
	return b.store.Delete(ctx, blockKey(ip))
}
