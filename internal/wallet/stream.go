package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zjoart/agrimarket-wallet/internal/balance"
	"github.com/zjoart/agrimarket-wallet/internal/ledger"
	"github.com/zjoart/agrimarket-wallet/internal/user"
	"github.com/zjoart/agrimarket-wallet/pkg/logger"
	"github.com/zjoart/agrimarket-wallet/pkg/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	streamSendSize = 16
)

type streamMessage struct {
	Type    string          `json:"type"`
	Balance *balance.Update `json:"balance,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type streamCommand struct {
	Action string `json:"action"`
}

// balanceStream is one websocket subscriber to a wallet's balances.
type balanceStream struct {
	ctx      context.Context
	conn     *websocket.Conn
	send     chan []byte
	closed   chan struct{}
	walletID string
	wallet   *ledger.Wallet
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.Config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// BalanceStream pushes TOKEN and ETH balance updates for the caller's
// wallet over a websocket. Clients may send {"action":"refresh"} to force
// a refresh.
func (h *Handler) BalanceStream(w http.ResponseWriter, r *http.Request) {
	usr, _ := r.Context().Value(utils.UserKey).(user.User)

	wallet, err := h.Service.GetWallet(r.Context(), usr.ID)
	if err != nil {
		writeError(w, err, "Failed to load wallet")
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		logger.Warn("WebSocket upgrade failed", logger.Fields{logger.UserIdKey: usr.ID.String(), "error": err.Error()})
		return
	}

	s := &balanceStream{
		ctx:      r.Context(),
		conn:     conn,
		send:     make(chan []byte, streamSendSize),
		closed:   make(chan struct{}),
		walletID: wallet.ID.String(),
		wallet:   wallet,
	}

	unsubscribe := h.subscribe(s)
	defer unsubscribe()

	logger.Debug("Balance stream opened", logger.Fields{logger.WalletIdKey: wallet.ID.String()})

	go s.writePump()
	h.sendInitial(s)
	s.readPump(h)

	logger.Debug("Balance stream closed", logger.Fields{logger.WalletIdKey: wallet.ID.String()})
}

func (h *Handler) subscribe(s *balanceStream) func() {
	var cleanups []func()

	cleanups = append(cleanups, h.Notifier.Subscribe(s.walletID, s.push))

	if s.wallet.HasKeyMaterial() {
		cleanups = append(cleanups, h.Notifier.Subscribe(balance.AddressKey(s.wallet.Address()), s.push))
		if h.Scheduler != nil {
			cleanups = append(cleanups, h.Scheduler.Watch(s.wallet.Address()))
		}
	}

	return func() {
		for _, fn := range cleanups {
			fn()
		}
	}
}

func (h *Handler) sendInitial(s *balanceStream) {
	token := balance.Update{
		Key:     s.wallet.ID.String(),
		Asset:   balance.AssetToken,
		Balance: s.wallet.TokenBalance,
		At:      s.wallet.UpdatedAt,
	}
	if last, ok := h.Notifier.Last(token.Key, balance.AssetToken); ok && last.At.After(token.At) {
		token = last
	}
	s.push(token)

	if !s.wallet.HasKeyMaterial() {
		return
	}
	if last, ok := h.Notifier.Last(balance.AddressKey(s.wallet.Address()), balance.AssetETH); ok {
		s.push(last)
	}
}

func (h *Handler) refresh(s *balanceStream) {
	if current, err := h.Service.GetWallet(s.ctx, s.wallet.UserID); err == nil {
		s.wallet = current
	}
	h.sendInitial(s)
	if h.Scheduler != nil {
		h.Scheduler.Trigger()
	}
}

// push queues an update without blocking the publisher. Updates to a slow
// client are dropped; the next one carries the current balance anyway.
func (s *balanceStream) push(u balance.Update) {
	s.queue(streamMessage{Type: "balance", Balance: &u})
}

func (s *balanceStream) queue(msg streamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	select {
	case <-s.closed:
	case s.send <- data:
	default:
		logger.Warn("Balance stream buffer full, dropping update", logger.Fields{logger.WalletIdKey: s.walletID})
	}
}

func (s *balanceStream) readPump(h *Handler) {
	defer close(s.closed)

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Balance stream read failed", logger.Fields{logger.WalletIdKey: s.walletID, "error": err.Error()})
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var cmd streamCommand
		if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Action != "refresh" {
			s.queue(streamMessage{Type: "error", Error: "unknown action"})
			continue
		}
		h.refresh(s)
	}
}

func (s *balanceStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
