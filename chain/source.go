// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// MaxEventBlockRange is the default page-size cap: scans wider than this are
// chunked into several RPC calls to respect provider limits.
const MaxEventBlockRange = 50_000

// EventScanFailed is returned once the bounded retry budget for a page is
// exhausted.
type EventScanFailed struct {
	From, To uint64
	Err      error
}

func (e *EventScanFailed) Error() string {
	return fmt.Sprintf("event scan [%d,%d] failed: %v", e.From, e.To, e.Err)
}

func (e *EventScanFailed) Unwrap() error { return e.Err }

// EventSource pages historical contract events through a LogDecoder,
// applying bounded exponential backoff to transient RPC errors.
type EventSource struct {
	decoder      LogDecoder
	maxBlockRange uint64
	maxRetries   int
	baseBackoff  time.Duration
	log          log.Logger
}

// NewEventSource constructs an EventSource. maxBlockRange <= 0 selects
// MaxEventBlockRange.
func NewEventSource(decoder LogDecoder, maxBlockRange uint64) *EventSource {
	if maxBlockRange == 0 {
		maxBlockRange = MaxEventBlockRange
	}
	return &EventSource{
		decoder:       decoder,
		maxBlockRange: maxBlockRange,
		maxRetries:    5,
		baseBackoff:   200 * time.Millisecond,
		log:           log.New("component", "EventSource"),
	}
}

// GetEvents returns every event of one of kinds emitted by contract within
// [fromBlock, toBlock], in ascending (BlockNumber, LogIndex) order. A scan
// either returns the full ordered set or fails with *EventScanFailed.
func (s *EventSource) GetEvents(ctx context.Context, contract common.Address, kinds []Kind, fromBlock, toBlock uint64) ([]Event, error) {
	if fromBlock > toBlock {
		return nil, nil
	}

	var events []Event
	for from := fromBlock; from <= toBlock; from += s.maxBlockRange {
		to := from + s.maxBlockRange - 1
		if to > toBlock {
			to = toBlock
		}

		page, err := s.scanPage(ctx, contract, kinds, from, to)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

func (s *EventSource) scanPage(ctx context.Context, contract common.Address, kinds []Kind, from, to uint64) ([]Event, error) {
	backoff := s.baseBackoff
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.log.Debug("retrying event scan", "from", from, "to", to, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
		lastErr = nil

		logs, err := s.decoder.FilterLogs(ctx, contract, kinds, from, to)
		if err != nil {
			lastErr = err
			continue
		}

		events := make([]Event, 0, len(logs))
		for _, l := range logs {
			ev, err := s.decoder.DecodeLog(l)
			if err != nil {
				lastErr = err
				continue
			}
			events = append(events, ev)
		}
		if lastErr == nil {
			return events, nil
		}
	}
	return nil, &EventScanFailed{From: from, To: to, Err: lastErr}
}
