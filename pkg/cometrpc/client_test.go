package cometrpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/informalsystems/chainpulse/pkg/cometrpc"
)

// fakeNode is a tiny stand-in RPC server speaking just enough of the
// JSON-RPC envelope to exercise Client: it echoes a subscribe
// acknowledgement, pushes one NewBlock event, and answers "block" and
// "block_results" with a single fixed transaction.
func fakeNode(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     string `json:"id"`
				Method string `json:"method"`
			}
			require.NoError(t, json.Unmarshal(data, &req))

			switch req.Method {
			case "subscribe":
				ack := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": map[string]string{}}
				require.NoError(t, conn.WriteJSON(ack))

				push := map[string]interface{}{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"result": map[string]interface{}{
						"data": map[string]interface{}{
							"value": map[string]interface{}{
								"block": map[string]interface{}{
									"header": map[string]interface{}{
										"height": "100",
										"time":   time.Now().Format(time.RFC3339),
									},
								},
							},
						},
					},
				}
				require.NoError(t, conn.WriteJSON(push))

			case "block":
				resp := map[string]interface{}{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"result": map[string]interface{}{
						"block": map[string]interface{}{
							"data": map[string]interface{}{
								"txs": []string{"AQID"}, // base64("\x01\x02\x03")
							},
						},
					},
				}
				require.NoError(t, conn.WriteJSON(resp))

			case "block_results":
				resp := map[string]interface{}{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"result": map[string]interface{}{
						"txs_results": []map[string]interface{}{
							{"code": 0, "log": ""},
						},
					},
				}
				require.NoError(t, conn.WriteJSON(resp))

			case "status":
				resp := map[string]interface{}{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"result": map[string]interface{}{
						"sync_info": map[string]interface{}{
							"latest_block_height": "100",
							"catching_up":         false,
						},
					},
				}
				require.NoError(t, conn.WriteJSON(resp))
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/websocket"
}

func TestSubscribeNewBlock(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := cometrpc.Dial(ctx, wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	events, err := c.SubscribeNewBlock(ctx)
	require.NoError(t, err)

	select {
	case evt := <-events:
		require.Equal(t, int64(100), evt.Height)
	case <-ctx.Done():
		t.Fatal("timed out waiting for NewBlock event")
	}
}

func TestBlockAndBlockResults(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := cometrpc.Dial(ctx, wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	txs, err := c.Block(ctx, 100)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, []byte{1, 2, 3}, txs[0].Bytes)

	results, err := c.BlockResults(ctx, 100)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint32(0), results[0].Code)
}

func TestStatus(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := cometrpc.Dial(ctx, wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	height, catchingUp, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), height)
	require.False(t, catchingUp)
}
