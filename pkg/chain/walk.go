package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JamalEddineEb/discord/pkg/logger"
)

// ErrChainResolutionStall marks a parent that could not be fetched. A walk
// that hits it keeps what it has collected so far.
var ErrChainResolutionStall = errors.New("chain resolution stalled")

// MessageFetcher loads a message that is not cached yet.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (Fields, error)
}

// StopReason says why a walk ended.
type StopReason string

const (
	StopRoot   StopReason = "root"   // reached a message with no parent
	StopDepth  StopReason = "depth"  // visited maxDepth messages
	StopBroken StopReason = "broken" // a message resolved to empty text
	StopStall  StopReason = "stall"  // a parent could not be fetched
)

// Entry is one message of the reconstructed history.
type Entry struct {
	MessageID  string
	Role       Role
	Text       string
	AuthorID   string
	AuthorName string
}

type WalkResult struct {
	// Entries are chronological: the oldest ancestor first, startID last.
	Entries []Entry
	Stop    StopReason
	// Err is set for StopStall and wraps ErrChainResolutionStall.
	Err error
}

// Walk follows parent links from startID, visiting at most maxDepth messages.
// Uncached messages are loaded through fetcher. Nothing here is fatal: a
// failed fetch or an empty message just ends the walk.
func Walk(ctx context.Context, cache *Cache, fetcher MessageFetcher, channelID, startID string, maxDepth int) WalkResult {
	var res WalkResult
	id := startID
	for {
		if id == "" {
			res.Stop = StopRoot
			break
		}
		if len(res.Entries) >= maxDepth {
			res.Stop = StopDepth
			break
		}

		msgID := id
		node := cache.GetOrCreate(msgID)
		f, err := node.Resolve(ctx, func(ctx context.Context) (Fields, error) {
			if fetcher == nil {
				return Fields{}, fmt.Errorf("no fetcher for uncached message")
			}
			return fetcher.FetchMessage(ctx, channelID, msgID)
		})
		if err != nil {
			res.Stop = StopStall
			res.Err = fmt.Errorf("%w: message %s: %v", ErrChainResolutionStall, msgID, err)
			logger.WarnCF("chain", "Reply chain stalled", map[string]any{
				"message_id": msgID,
				"depth":      len(res.Entries),
				"error":      err.Error(),
			})
			break
		}
		if strings.TrimSpace(f.Text) == "" {
			res.Stop = StopBroken
			logger.InfoCF("chain", "Reply chain hit empty message", map[string]any{
				"message_id": msgID,
				"depth":      len(res.Entries),
			})
			break
		}

		res.Entries = append(res.Entries, Entry{
			MessageID:  msgID,
			Role:       f.Role,
			Text:       f.Text,
			AuthorID:   f.AuthorID,
			AuthorName: f.AuthorName,
		})
		id = f.ParentID
	}

	for i, j := 0, len(res.Entries)-1; i < j; i, j = i+1, j-1 {
		res.Entries[i], res.Entries[j] = res.Entries[j], res.Entries[i]
	}
	return res
}
