package chain

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
	nextID   atomic.Int64
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) Subscribe(method string, params ...any) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	}
	return c.Conn.WriteJSON(payload)
}

// SubscribeAccount subscribes to balance changes and to log notifications
// mentioning address.
func (c *WSClient) SubscribeAccount(address solana.PublicKey, commitment string) error {
	if err := c.Subscribe("accountSubscribe", address.String(), map[string]any{
		"encoding":   "base64",
		"commitment": commitment,
	}); err != nil {
		return err
	}
	return c.Subscribe("logsSubscribe", map[string]any{
		"mentions": []string{address.String()},
	}, map[string]any{"commitment": commitment})
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.Conn.SetReadDeadline(deadline)
	}
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// ParseNotification decodes an account or logs notification. Subscription
// acknowledgements and unrelated messages return ok=false.
func ParseNotification(msg []byte) (AccountChange, bool, error) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
				Value json.RawMessage `json:"value"`
			} `json:"result"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return AccountChange{}, false, err
	}
	if env.Error != nil {
		return AccountChange{}, false, errors.New(env.Error.Message)
	}

	change := AccountChange{Slot: env.Params.Result.Context.Slot}
	switch env.Method {
	case "accountNotification":
		var value struct {
			Lamports uint64 `json:"lamports"`
		}
		if err := json.Unmarshal(env.Params.Result.Value, &value); err != nil {
			return AccountChange{}, false, err
		}
		change.Source = "account"
		change.Lamports = &value.Lamports
	case "logsNotification":
		var value struct {
			Signature string `json:"signature"`
			Err       any    `json:"err"`
		}
		if err := json.Unmarshal(env.Params.Result.Value, &value); err != nil {
			return AccountChange{}, false, err
		}
		if value.Err != nil {
			return AccountChange{}, false, nil
		}
		change.Source = "logs"
		change.Signature = value.Signature
	default:
		return AccountChange{}, false, nil
	}
	return change, true, nil
}

// WSWatcher keeps one subscription alive, reconnecting and rotating endpoints
// after failures.
type WSWatcher struct {
	Endpoints  []string
	Commitment string
	Backoff    time.Duration
	Log        zerolog.Logger
}

var _ Watcher = (*WSWatcher)(nil)

func (w *WSWatcher) Watch(ctx context.Context, address solana.PublicKey, onChange func(context.Context, AccountChange)) error {
	if len(w.Endpoints) == 0 {
		return errors.New("ws endpoints is empty")
	}
	backoff := w.Backoff
	if backoff <= 0 {
		backoff = 3 * time.Second
	}
	idx := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		endpoint := w.Endpoints[idx%len(w.Endpoints)]
		idx++

		client := NewWSClient(endpoint)
		if err := client.Connect(ctx); err != nil {
			w.Log.Warn().Err(err).Str("endpoint", endpoint).Msg("ws connect failed")
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			continue
		}
		w.Log.Info().Str("endpoint", endpoint).Str("address", address.String()).Msg("ws connected")

		if err := client.SubscribeAccount(address, w.Commitment); err != nil {
			w.Log.Warn().Err(err).Msg("ws subscribe failed")
			client.Close()
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			continue
		}

		stop := context.AfterFunc(ctx, client.Close)
		for {
			msg, err := client.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.Log.Warn().Err(err).Msg("ws read failed")
				}
				break
			}
			change, ok, err := ParseNotification(msg)
			if err != nil {
				w.Log.Warn().Err(err).Msg("ws parse failed")
				continue
			}
			if ok {
				onChange(ctx, change)
			}
		}
		stop()
		client.Close()

		if !sleepCtx(ctx, 2*time.Second) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
