// Package cometrpc is a minimal JSON-RPC-over-WebSocket client for the
// CometBFT/Tendermint RPC endpoint. It speaks only the wire-level
// JSON-RPC 2.0 envelope, not either project's Go SDK, because that
// envelope is the one part of the interface that has stayed stable across
// the Tendermint Core 0.34 to CometBFT 0.37 transition; the payloads it
// carries are handled one layer up, in pkg/decoder, where the two
// generations genuinely diverge.
package cometrpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcMessage is a JSON-RPC 2.0 response or subscription-push envelope;
// both shapes share the same top-level fields on this endpoint.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
}

// Client is a single WebSocket connection to one node's RPC endpoint. It
// multiplexes ordinary request/response calls and long-lived subscription
// pushes over the same socket, matching the server's own multiplexing
// model.
type Client struct {
	log  zerolog.Logger
	conn *websocket.Conn

	nextID uint64

	mu          sync.Mutex
	pending     map[string]chan rpcMessage
	subscribers map[string]chan json.RawMessage
	closed      bool

	writeMu sync.Mutex
}

// Dial opens a WebSocket connection to url (e.g. "ws://host:26657/websocket")
// and starts reading frames in the background.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &Client{
		log:         logger.With().Str("component", "cometrpc").Str("url", url).Logger(),
		conn:        conn,
		pending:     make(map[string]chan rpcMessage),
		subscribers: make(map[string]chan json.RawMessage),
	}
	go c.readLoop()
	return c, nil
}

// Close terminates the connection and any active subscriptions.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = nil
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
	c.mu.Unlock()

	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("websocket read loop exiting")
			c.mu.Lock()
			c.closed = true
			for id, ch := range c.subscribers {
				close(ch)
				delete(c.subscribers, id)
			}
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("malformed rpc frame, skipping")
			continue
		}

		c.mu.Lock()
		if ch, ok := c.subscribers[msg.ID]; ok {
			select {
			case ch <- msg.Result:
			default:
				c.log.Warn().Str("sub_id", msg.ID).Msg("subscriber channel full, dropping event")
			}
			c.mu.Unlock()
			continue
		}
		if ch, ok := c.pending[msg.ID]; ok {
			delete(c.pending, msg.ID)
			ch <- msg
			close(ch)
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()
	}
}

func (c *Client) nextRequestID() string {
	return fmt.Sprintf("chainpulse-%d", atomic.AddUint64(&c.nextID, 1))
}

// call sends a request and waits for its matching response.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextRequestID()

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		rawParams = b
	}

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: rawParams}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	respCh := make(chan rpcMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client closed")
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, body)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("connection closed awaiting response to %s", method)
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

// NewBlockEvent is the normalized payload of one "NewBlock" subscription
// push: just enough to drive the Chain Worker's poll-for-block loop.
type NewBlockEvent struct {
	Height int64
	Time   time.Time
}

// SubscribeNewBlock subscribes to committed-block notifications and
// returns a channel of normalized events. The channel is closed when the
// client is closed or the connection drops.
func (c *Client) SubscribeNewBlock(ctx context.Context) (<-chan NewBlockEvent, error) {
	const query = "tm.event='NewBlock'"
	id := c.nextRequestID()

	raw, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "subscribe",
		Params:  mustMarshal(map[string]string{"query": query}),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling subscribe request: %w", err)
	}

	pushCh := make(chan json.RawMessage, 64)
	c.mu.Lock()
	c.subscribers[id] = pushCh
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("writing subscribe request: %w", err)
	}

	out := make(chan NewBlockEvent, 64)
	go func() {
		defer close(out)
		for raw := range pushCh {
			evt, ok := parseNewBlockPush(raw)
			if !ok {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// parseNewBlockPush extracts height and time from a subscription push's
// result payload. The envelope nests the header under
// data.value.block.header, matching both protocol generations' event JSON.
func parseNewBlockPush(raw json.RawMessage) (NewBlockEvent, bool) {
	var push struct {
		Data struct {
			Value struct {
				Block struct {
					Header struct {
						Height string    `json:"height"`
						Time   time.Time `json:"time"`
					} `json:"header"`
				} `json:"block"`
			} `json:"value"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &push); err != nil {
		return NewBlockEvent{}, false
	}
	if push.Data.Value.Block.Header.Height == "" {
		return NewBlockEvent{}, false
	}
	var height int64
	if _, err := fmt.Sscanf(push.Data.Value.Block.Header.Height, "%d", &height); err != nil {
		return NewBlockEvent{}, false
	}
	return NewBlockEvent{Height: height, Time: push.Data.Value.Block.Header.Time}, true
}

// BlockTx is one transaction as carried in a block, decoded from its
// base64 wire encoding.
type BlockTx struct {
	Bytes []byte
}

// Block fetches the raw transactions committed at height.
func (c *Client) Block(ctx context.Context, height int64) ([]BlockTx, error) {
	raw, err := c.call(ctx, "block", map[string]string{"height": fmt.Sprintf("%d", height)})
	if err != nil {
		return nil, fmt.Errorf("fetching block %d: %w", height, err)
	}

	var resp struct {
		Block struct {
			Data struct {
				Txs []string `json:"txs"`
			} `json:"data"`
		} `json:"block"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing block %d response: %w", height, err)
	}

	out := make([]BlockTx, 0, len(resp.Block.Data.Txs))
	for _, encoded := range resp.Block.Data.Txs {
		b, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding tx at height %d: %w", height, err)
		}
		out = append(out, BlockTx{Bytes: b})
	}
	return out, nil
}

// TxResult is one transaction's execution outcome and emitted events, as
// reported by block_results.
type TxResult struct {
	Code   uint32
	Log    string
	Events []EventAttr
}

// EventAttr is a single attribute of one ABCI event, still in its
// wire-level encoding (base64 on Tendermint 0.34, plain on CometBFT 0.37);
// the caller decides how to decode it based on the configured protocol
// generation.
type EventAttr struct {
	Key   string
	Value string
}

// BlockResults fetches per-transaction execution results for height, in
// the same order as the transactions returned by Block.
func (c *Client) BlockResults(ctx context.Context, height int64) ([]TxResult, error) {
	raw, err := c.call(ctx, "block_results", map[string]string{"height": fmt.Sprintf("%d", height)})
	if err != nil {
		return nil, fmt.Errorf("fetching block_results %d: %w", height, err)
	}

	var resp struct {
		TxsResults []struct {
			Code   uint32 `json:"code"`
			Log    string `json:"log"`
			Events []struct {
				Attributes []struct {
					Key   string `json:"key"`
					Value string `json:"value"`
				} `json:"attributes"`
			} `json:"events"`
		} `json:"txs_results"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing block_results %d response: %w", height, err)
	}

	out := make([]TxResult, 0, len(resp.TxsResults))
	for _, tr := range resp.TxsResults {
		var attrs []EventAttr
		for _, ev := range tr.Events {
			for _, a := range ev.Attributes {
				attrs = append(attrs, EventAttr{Key: a.Key, Value: a.Value})
			}
		}
		out = append(out, TxResult{Code: tr.Code, Log: tr.Log, Events: attrs})
	}
	return out, nil
}

// Status reports the node's catching_up state and latest height.
func (c *Client) Status(ctx context.Context) (latestHeight int64, catchingUp bool, err error) {
	raw, callErr := c.call(ctx, "status", nil)
	if callErr != nil {
		return 0, false, fmt.Errorf("fetching status: %w", callErr)
	}
	var resp struct {
		SyncInfo struct {
			LatestBlockHeight string `json:"latest_block_height"`
			CatchingUp        bool   `json:"catching_up"`
		} `json:"sync_info"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, false, fmt.Errorf("parsing status response: %w", err)
	}
	if _, err := fmt.Sscanf(resp.SyncInfo.LatestBlockHeight, "%d", &latestHeight); err != nil {
		return 0, false, fmt.Errorf("parsing latest_block_height: %w", err)
	}
	return latestHeight, resp.SyncInfo.CatchingUp, nil
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
