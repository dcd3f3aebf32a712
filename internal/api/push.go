package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
	"github.com/spacedatanetwork/sdn-relay/internal/auth"
	"github.com/spacedatanetwork/sdn-relay/internal/relay"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers cannot set the owner headers, so any origin may connect and
	// authenticate through the query string instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PushMessage is one websocket frame announcing a new message.
type PushMessage struct {
	Address string `json:"address"`
	summaryResponse
	Payload   []byte `json:"payload"`
	Truncated bool   `json:"truncated"`
}

// handlePush upgrades /api/v1/ws/{address} after authenticating the owner
// and streams every message admitted for the address from then on.
func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	reqID := requestID(w)

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, wsPath+"/"), "/")
	if rest == "" || strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, relay.KindNotFound.String(), "no such route")
		return
	}
	addr, err := address.Parse(rest)
	if err != nil {
		writeRelayError(w, reqID, err)
		return
	}

	cred, err := credentialFromRequest(r)
	if err != nil {
		cred, err = credentialFromQuery(r)
	}
	if err != nil {
		writeRelayError(w, reqID, err)
		return
	}

	notes, cancel, err := h.retrieval.Watch(r.Context(), addr, cred)
	if err != nil {
		writeRelayError(w, reqID, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		log.Debugf("[%s] Websocket upgrade failed: %v", reqID, err)
		return
	}
	defer conn.Close()
	log.Debugf("[%s] Push connection open for %s", reqID, addr)

	h.pushLoop(conn, notes, reqID)
}

func (h *Handler) pushLoop(conn *websocket.Conn, notes <-chan relay.Notification, reqID string) {
	pongWait := 2 * h.cfg.PingInterval

	// Clients only send control frames; reading is how pongs and close
	// frames are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-notes:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(h.toPushMessage(n)); err != nil {
				log.Debugf("[%s] Push write failed: %v", reqID, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debugf("[%s] Ping failed: %v", reqID, err)
				return
			}
		case <-gone:
			return
		case <-h.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Handler) toPushMessage(n relay.Notification) PushMessage {
	payload := n.Payload
	truncated := len(payload) > h.cfg.TruncationLength
	if truncated {
		payload = payload[:h.cfg.TruncationLength]
	}
	return PushMessage{
		Address:         n.Address.String(),
		summaryResponse: toSummaryResponse(n.Summary),
		Payload:         payload,
		Truncated:       truncated,
	}
}

// credentialFromQuery reads the owner credential from the pubkey,
// timestamp and signature query parameters.
func credentialFromQuery(r *http.Request) (auth.Credential, error) {
	q := r.URL.Query()
	pub, err := hex.DecodeString(q.Get("pubkey"))
	if err != nil || len(pub) == 0 {
		return auth.Credential{}, relay.ErrUnauthorized
	}
	secs, err := strconv.ParseInt(q.Get("timestamp"), 10, 64)
	if err != nil {
		return auth.Credential{}, relay.ErrUnauthorized
	}
	sig, err := hex.DecodeString(q.Get("signature"))
	if err != nil || len(sig) == 0 {
		return auth.Credential{}, relay.ErrUnauthorized
	}
	return auth.Credential{
		PublicKey: pub,
		Timestamp: time.Unix(secs, 0).UTC(),
		Signature: sig,
	}, nil
}
