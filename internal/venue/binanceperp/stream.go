package binanceperp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fundingarb-core/internal/venue"
)

// bboConn holds the shared websocket connection for one native symbol's
// bookTicker stream. Multiple SubscribeBBO calls for the same symbol
// share one conn; delivery to each subscriber's callback is
// single-threaded because the reader goroutine invokes callbacks
// sequentially in the order it reads frames, matching the "callback
// delivery is single-threaded per subscription" contract. Separate
// symbols' readers run on separate goroutines and may interleave.
type bboConn struct {
	mu   sync.Mutex
	subs map[int]venue.BboCallback
	next int
	stop chan struct{}
}

// SubscribeBBO opens (or reuses) a bookTicker stream for symbol and
// registers cb. Reconnections re-deliver the current BBO at least once
// by re-fetching via FetchBBO immediately after a reconnect.
func (c *Client) SubscribeBBO(ctx context.Context, symbol string, cb venue.BboCallback) (func(), error) {
	native, err := c.nativeSymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	conn, exists := c.streams[native]
	if !exists {
		conn = &bboConn{subs: make(map[int]venue.BboCallback), stop: make(chan struct{})}
		c.streams[native] = conn
		c.mu.Unlock()
		go c.runBboStream(ctx, symbol, native, conn)
	} else {
		c.mu.Unlock()
	}

	conn.mu.Lock()
	id := conn.next
	conn.next++
	conn.subs[id] = cb
	conn.mu.Unlock()

	unsubscribe := func() {
		conn.mu.Lock()
		delete(conn.subs, id)
		empty := len(conn.subs) == 0
		conn.mu.Unlock()
		if empty {
			close(conn.stop)
			c.mu.Lock()
			delete(c.streams, native)
			c.mu.Unlock()
		}
	}
	return unsubscribe, nil
}

func (c *Client) runBboStream(ctx context.Context, symbol, native string, conn *bboConn) {
	streamName := strings.ToLower(native) + "@bookTicker"
	url := fmt.Sprintf("%s/ws/%s", c.wsHost, streamName)

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.stop:
			return
		default:
		}

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			c.log.Warnw("bbo stream dial failed, retrying", "symbol", symbol, "err", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			case <-conn.stop:
				return
			}
			continue
		}

		// Reconnection re-delivery: push whatever BBO we can fetch
		// synchronously right away so subscribers never wait a full
		// interval for the first tick after a reconnect.
		if bbo, ferr := c.FetchBBO(ctx, symbol); ferr == nil {
			c.deliver(conn, bbo)
		}

		c.readLoop(ctx, ws, symbol, conn)
		ws.Close()

		select {
		case <-ctx.Done():
			return
		case <-conn.stop:
			return
		default:
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, symbol string, conn *bboConn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.log.Debugw("bbo stream read error, reconnecting", "symbol", symbol, "err", err)
			return
		}
		var frame struct {
			BidPrice string `json:"b"`
			AskPrice string `json:"a"`
			EventTime int64 `json:"E"`
		}
		if err := fastJSON.Unmarshal(msg, &frame); err != nil {
			continue
		}
		bid, _ := strconv.ParseFloat(frame.BidPrice, 64)
		ask, _ := strconv.ParseFloat(frame.AskPrice, 64)
		if bid <= 0 || ask <= 0 {
			continue
		}
		ts := time.Now()
		if frame.EventTime > 0 {
			ts = time.UnixMilli(frame.EventTime)
		}
		c.deliver(conn, venue.BBO{Symbol: symbol, Venue: c.cfg.Name, Bid: bid, Ask: ask, Ts: ts})

		select {
		case <-ctx.Done():
			return
		case <-conn.stop:
			return
		default:
		}
	}
}

func (c *Client) deliver(conn *bboConn, bbo venue.BBO) {
	conn.mu.Lock()
	cbs := make([]venue.BboCallback, 0, len(conn.subs))
	for _, cb := range conn.subs {
		cbs = append(cbs, cb)
	}
	conn.mu.Unlock()
	for _, cb := range cbs {
		cb(bbo)
	}
}
