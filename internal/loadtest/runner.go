package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/festival/regionchat/internal/protocol"
)

// contentPrefix marks messages produced by the fan-out scenario. The
// content is prefix|sender|seq|unixnano so receivers can time delivery.
const contentPrefix = "lt"

// groupDigits splits a number into dot-separated groups of four so the
// char_flood spam check never sees a run of five identical digits.
func groupDigits(n int64) string {
	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%4 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FanoutConfig configures a fan-out run: every client joins a region and
// sends Messages messages; every other member of the region times their
// arrival.
type FanoutConfig struct {
	URL         string
	Tokens      []string
	Regions     []string
	Messages    int
	Interval    time.Duration
	Concurrency int
	Ramp        time.Duration
	JoinTimeout time.Duration
	// Settle bounds the wait for outstanding deliveries after the last send.
	Settle time.Duration
}

// SaturateConfig configures a connection saturation run.
type SaturateConfig struct {
	URL         string
	Tokens      []string
	Regions     []string
	Connections int
	Concurrency int
	Ramp        time.Duration
	Hold        time.Duration
}

// FanoutResult reports delivery completeness.
type FanoutResult struct {
	Sent      int64
	Delivered int64
	Expected  int64
}

func encodeContent(sender, seq int, at time.Time) string {
	return fmt.Sprintf("%s|%d|%d|%s", contentPrefix, sender, seq, groupDigits(at.UnixNano()))
}

func decodeContent(content string) (sender int, at time.Time, ok bool) {
	parts := strings.Split(content, "|")
	if len(parts) != 4 || parts[0] != contentPrefix {
		return 0, time.Time{}, false
	}
	s, err1 := strconv.Atoi(parts[1])
	ns, err2 := strconv.ParseInt(strings.ReplaceAll(parts[3], ".", ""), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, time.Time{}, false
	}
	return s, time.Unix(0, ns), true
}

// dialPlan describes how connectAll opens connections.
type dialPlan struct {
	url         string
	tokens      []string
	n           int
	concurrency int
	ramp        time.Duration
}

// connectAll dials plan.n clients, spreading launches over plan.ramp with at
// most plan.concurrency attempts in flight. Slots whose dial failed are nil.
func connectAll(ctx context.Context, plan dialPlan, col *Collector, setup func(i int, c *Client)) []*Client {
	if plan.concurrency <= 0 {
		plan.concurrency = 50
	}
	n, tokens, url := plan.n, plan.tokens, plan.url
	clients := make([]*Client, n)
	sem := make(chan struct{}, plan.concurrency)
	var wg sync.WaitGroup

	var pace <-chan time.Time
	if n > 0 && plan.ramp > 0 {
		ticker := time.NewTicker(max(plan.ramp/time.Duration(n), time.Millisecond))
		defer ticker.Stop()
		pace = ticker.C
	}
	for i := 0; i < n; i++ {
		if pace != nil {
			select {
			case <-pace:
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := Dial(dialCtx, url, tokens[i%len(tokens)])
			if err != nil {
				col.AddError()
				return
			}
			col.AddConnect(c.GetMetrics().ConnectLatency)
			if setup != nil {
				setup(i, c)
			}
			c.Start()
			clients[i] = c
		}(i)
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*Client) {
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}

// RunFanout runs the fan-out scenario with one client per token.
func RunFanout(ctx context.Context, cfg FanoutConfig, col *Collector) (FanoutResult, error) {
	if len(cfg.Tokens) == 0 || len(cfg.Regions) == 0 {
		return FanoutResult{}, errors.New("loadtest: tokens and regions are required")
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 5 * time.Second
	}
	n := len(cfg.Tokens)

	var delivered atomic.Int64
	allDelivered := make(chan struct{})
	var expected atomic.Int64
	var closeOnce sync.Once
	joined := make(chan int, n)

	plan := dialPlan{url: cfg.URL, tokens: cfg.Tokens, n: n, concurrency: cfg.Concurrency, ramp: cfg.Ramp}
	clients := connectAll(ctx, plan, col, func(i int, c *Client) {
		c.On(protocol.TypeRegionMessages, func(json.RawMessage) { joined <- i })
		c.On(protocol.TypeNewMessage, func(raw json.RawMessage) {
			var ev protocol.NewMessageEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return
			}
			sender, at, ok := decodeContent(ev.Content)
			if !ok || sender == i {
				return
			}
			col.AddDelivery(time.Since(at))
			if delivered.Add(1) == expected.Load() {
				closeOnce.Do(func() { close(allDelivered) })
			}
		})
	})
	defer closeAll(clients)

	members := make(map[string]int64)
	live := 0
	for i, c := range clients {
		if c == nil {
			continue
		}
		region := cfg.Regions[i%len(cfg.Regions)]
		if err := c.Join(region); err != nil {
			col.AddError()
			continue
		}
		members[region]++
		live++
	}

	joinDeadline := time.After(cfg.JoinTimeout)
	for got := 0; got < live; got++ {
		select {
		case <-joined:
		case <-joinDeadline:
			return FanoutResult{}, fmt.Errorf("loadtest: %d of %d clients joined before timeout", got, live)
		case <-ctx.Done():
			return FanoutResult{}, ctx.Err()
		}
	}

	var want int64
	for i, c := range clients {
		if c != nil {
			want += int64(cfg.Messages) * (members[cfg.Regions[i%len(cfg.Regions)]] - 1)
		}
	}
	expected.Store(want)
	if want == 0 || delivered.Load() >= want {
		closeOnce.Do(func() { close(allDelivered) })
	}

	var sent atomic.Int64
	var wg sync.WaitGroup
	for i, c := range clients {
		if c == nil {
			continue
		}
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			for seq := 0; seq < cfg.Messages; seq++ {
				if seq > 0 && cfg.Interval > 0 {
					select {
					case <-time.After(cfg.Interval):
					case <-ctx.Done():
						return
					}
				}
				if err := c.SendMessage(encodeContent(i, seq, time.Now())); err != nil {
					col.AddError()
					return
				}
				sent.Add(1)
				col.AddSent()
			}
		}(i, c)
	}
	wg.Wait()

	select {
	case <-allDelivered:
	case <-time.After(cfg.Settle):
	case <-ctx.Done():
	}
	return FanoutResult{Sent: sent.Load(), Delivered: delivered.Load(), Expected: want}, nil
}

// RunSaturate opens cfg.Connections joined connections, holds them for
// cfg.Hold and returns how many were dropped by the server meanwhile.
func RunSaturate(ctx context.Context, cfg SaturateConfig, col *Collector) (int, error) {
	if len(cfg.Tokens) == 0 || len(cfg.Regions) == 0 {
		return 0, errors.New("loadtest: tokens and regions are required")
	}
	plan := dialPlan{url: cfg.URL, tokens: cfg.Tokens, n: cfg.Connections, concurrency: cfg.Concurrency, ramp: cfg.Ramp}
	clients := connectAll(ctx, plan, col, nil)
	defer closeAll(clients)

	for i, c := range clients {
		if c != nil {
			if err := c.Join(cfg.Regions[i%len(cfg.Regions)]); err != nil {
				col.AddError()
			}
		}
	}

	select {
	case <-time.After(cfg.Hold):
	case <-ctx.Done():
	}

	dropped := 0
	for _, c := range clients {
		if c == nil {
			continue
		}
		select {
		case <-c.Done():
			dropped++
		default:
		}
	}
	return dropped, nil
}
