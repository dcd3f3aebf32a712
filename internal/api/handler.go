// Package api serves the relay over HTTP.
//
// Routes:
//
//	POST   /api/v1/messages                    submit a paid message
//	GET    /api/v1/messages/{address}          list summaries (owner)
//	GET    /api/v1/messages/{address}/{digest} fetch a payload (owner)
//	DELETE /api/v1/messages/{address}/{digest} delete a message (owner)
//	GET    /api/v1/messages/{address}/filter   read the price filter
//	PUT    /api/v1/messages/{address}/filter   set the price filter (owner)
//	GET    /api/v1/profiles/{address}          read a signed profile
//	PUT    /api/v1/profiles/{address}          publish a signed profile
//	GET    /api/v1/ws/{address}                push new messages (owner)
//	GET    /api/v1/health
//
// Every route except health is rate limited per client host.
//
// Submissions carry the sender's identity key in X-Relay-Identity (hex) and
// the proof token in X-Relay-Proof (base64). Owner requests carry
// X-Relay-Pubkey (hex), X-Relay-Timestamp (unix seconds) and
// X-Relay-Signature (hex DER).
package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
	"github.com/spacedatanetwork/sdn-relay/internal/auth"
	"github.com/spacedatanetwork/sdn-relay/internal/proofcodec"
	"github.com/spacedatanetwork/sdn-relay/internal/relay"
	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

var log = logging.Logger("relay-api")

// Header names.
const (
	HeaderIdentity  = "X-Relay-Identity"
	HeaderProof     = "X-Relay-Proof"
	HeaderPubkey    = "X-Relay-Pubkey"
	HeaderTimestamp = "X-Relay-Timestamp"
	HeaderSignature = "X-Relay-Signature"
	HeaderRequestID = "X-Request-ID"
)

const (
	messagesPath = "/api/v1/messages"
	profilesPath = "/api/v1/profiles"
	wsPath       = "/api/v1/ws"
)

// Push defaults.
const (
	DefaultPingInterval     = 10 * time.Second
	DefaultTruncationLength = 500
)

// Config contains handler settings.
type Config struct {
	// MaxPayloadSize bounds how much of a request body is read.
	MaxPayloadSize int
	// PageSize is the default and maximum listing page.
	PageSize int
	// MaxProfileSize bounds a profile's data.
	MaxProfileSize int
	// PingInterval is how often push connections are pinged.
	PingInterval time.Duration
	// TruncationLength caps the payload bytes included in a push; larger
	// messages are flagged as truncated and fetched separately.
	TruncationLength int
}

// Handler serves the relay HTTP API.
type Handler struct {
	engine    *relay.AdmissionEngine
	retrieval *relay.RetrievalService
	profiles  *relay.ProfileService
	codec     proofcodec.Codec
	limiter   *ClientRateLimiter
	sweeper   *relay.Sweeper
	cfg       Config
	started   time.Time

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a handler. profiles and sweeper may be nil.
func NewHandler(engine *relay.AdmissionEngine, retrieval *relay.RetrievalService, profiles *relay.ProfileService, codec proofcodec.Codec, limiter *ClientRateLimiter, sweeper *relay.Sweeper, cfg Config) *Handler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxProfileSize <= 0 {
		cfg.MaxProfileSize = relay.DefaultMaxProfileSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.TruncationLength <= 0 {
		cfg.TruncationLength = DefaultTruncationLength
	}
	return &Handler{
		engine:    engine,
		retrieval: retrieval,
		profiles:  profiles,
		codec:     codec,
		limiter:   limiter,
		sweeper:   sweeper,
		cfg:       cfg,
		started:   time.Now(),
		closing:   make(chan struct{}),
	}
}

// Close ends open push connections. http.Server.Shutdown does not wait for
// them since they are hijacked.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// RegisterRoutes registers the relay routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", h.handleHealth)
	mux.HandleFunc(messagesPath, h.handleSubmit)
	mux.HandleFunc(messagesPath+"/", h.handleMailbox)
	if h.profiles != nil {
		mux.HandleFunc(profilesPath+"/", h.handleProfile)
	}
	mux.HandleFunc(wsPath+"/", h.handlePush)
}

// allow applies the client's rate limit, answering 429 when exceeded.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter.AllowRequest(r) {
		return true
	}
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
	return false
}

type summaryResponse struct {
	Digest     string    `json:"digest"`
	CID        string    `json:"cid"`
	Size       int       `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func toSummaryResponse(s storage.Summary) summaryResponse {
	return summaryResponse{
		Digest:     s.Digest.String(),
		CID:        s.Digest.CID().String(),
		Size:       s.Size,
		ReceivedAt: s.ReceivedAt,
		ExpiresAt:  s.ExpiresAt,
	}
}

type submitResponse struct {
	Address   string `json:"address"`
	Duplicate bool   `json:"duplicate"`
	summaryResponse
}

type listResponse struct {
	Address    string            `json:"address"`
	Messages   []summaryResponse `json:"messages"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload := map[string]interface{}{
		"status":      "ok",
		"proof_codec": h.codec.Name(),
		"uptime":      time.Since(h.started).Round(time.Second).String(),
	}
	if h.sweeper != nil {
		payload["evicted"] = h.sweeper.Evicted()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.allow(w, r) {
		return
	}
	reqID := requestID(w)

	identity, err := hex.DecodeString(strings.TrimSpace(r.Header.Get(HeaderIdentity)))
	if err != nil || len(identity) == 0 {
		writeRelayError(w, reqID, address.ErrInvalidAddress)
		return
	}
	if _, err := address.Resolve(identity); err != nil {
		writeRelayError(w, reqID, err)
		return
	}

	rawProof, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Header.Get(HeaderProof)))
	if err != nil || len(rawProof) == 0 {
		writeRelayError(w, reqID, proofcodec.ErrDecode)
		return
	}
	tok, err := h.codec.Decode(rawProof)
	if err != nil {
		writeRelayError(w, reqID, err)
		return
	}

	// One extra byte lets the engine see an oversized body.
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.cfg.MaxPayloadSize)+1))
	if err != nil {
		log.Warnf("[%s] Failed to read body: %v", reqID, err)
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return
	}

	res, err := h.engine.Accept(r.Context(), identity, body, tok)
	if err != nil {
		writeRelayError(w, reqID, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{
		Address:         res.Address.String(),
		Duplicate:       res.Duplicate,
		summaryResponse: toSummaryResponse(res.Message),
	})
}

// handleMailbox dispatches /api/v1/messages/{address}[/{digest}|/filter].
func (h *Handler) handleMailbox(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	reqID := requestID(w)

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, messagesPath+"/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, relay.KindNotFound.String(), "no such route")
		return
	}

	addr, err := address.Parse(parts[0])
	if err != nil {
		writeRelayError(w, reqID, err)
		return
	}

	if len(parts) == 2 && parts[1] == "filter" {
		h.handleFilter(w, r, reqID, addr)
		return
	}

	cred, err := credentialFromRequest(r)
	if err != nil {
		writeRelayError(w, reqID, err)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r, reqID, addr, cred)
		return
	}

	digest, err := storage.ParseDigest(parts[1])
	if err != nil {
		writeRelayError(w, reqID, storage.ErrNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		msg, err := h.retrieval.Fetch(r.Context(), addr, digest, cred)
		if err != nil {
			writeRelayError(w, reqID, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(msg.Payload)))
		w.Header().Set("X-Relay-Digest", msg.Digest.String())
		w.Header().Set("X-Relay-Expires-At", msg.ExpiresAt.Format(time.RFC3339))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(msg.Payload); err != nil {
			log.Debugf("[%s] Failed to write payload: %v", reqID, err)
		}
	case http.MethodDelete:
		if err := h.retrieval.Delete(r.Context(), addr, digest, cred); err != nil {
			writeRelayError(w, reqID, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, reqID string, addr address.Address, cred auth.Credential) {
	query := r.URL.Query()

	limit := h.cfg.PageSize
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	cursor, err := storage.ParseCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cursor", "cursor is malformed")
		return
	}

	page, next, err := h.retrieval.ListPage(r.Context(), addr, cred, cursor, limit)
	if err != nil {
		writeRelayError(w, reqID, err)
		return
	}

	resp := listResponse{
		Address:  addr.String(),
		Messages: make([]summaryResponse, 0, len(page)),
	}
	for _, sum := range page {
		resp.Messages = append(resp.Messages, toSummaryResponse(sum))
	}
	if len(page) == limit {
		resp.NextCursor = next.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// credentialFromRequest reads the owner credential headers.
func credentialFromRequest(r *http.Request) (auth.Credential, error) {
	pub, err := hex.DecodeString(r.Header.Get(HeaderPubkey))
	if err != nil || len(pub) == 0 {
		return auth.Credential{}, relay.ErrUnauthorized
	}
	secs, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return auth.Credential{}, relay.ErrUnauthorized
	}
	sig, err := hex.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil || len(sig) == 0 {
		return auth.Credential{}, relay.ErrUnauthorized
	}
	return auth.Credential{
		PublicKey: pub,
		Timestamp: time.Unix(secs, 0).UTC(),
		Signature: sig,
	}, nil
}

// SetCredentialHeaders writes cred onto a client request.
func SetCredentialHeaders(req *http.Request, cred auth.Credential) {
	req.Header.Set(HeaderPubkey, hex.EncodeToString(cred.PublicKey))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(cred.Timestamp.Unix(), 10))
	req.Header.Set(HeaderSignature, hex.EncodeToString(cred.Signature))
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind relay.Kind) int {
	switch kind {
	case relay.KindInvalidAddress, relay.KindProofMalformed, relay.KindInvalidProfile:
		return http.StatusBadRequest
	case relay.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case relay.KindAmountInsufficient, relay.KindProofExpired, relay.KindProofAlreadyUsed:
		return http.StatusPaymentRequired
	case relay.KindDuplicateDigest:
		return http.StatusConflict
	case relay.KindNotFound:
		return http.StatusNotFound
	case relay.KindUnauthorized:
		return http.StatusUnauthorized
	case relay.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeRelayError(w http.ResponseWriter, reqID string, err error) {
	kind := relay.KindOf(err)
	status := StatusFor(kind)

	message := err.Error()
	if kind == relay.KindIOFailure {
		// Storage details stay in the log.
		if errors.Is(err, context.Canceled) {
			log.Debugf("[%s] Request cancelled: %v", reqID, err)
		} else {
			log.Errorf("[%s] Internal error: %v", reqID, err)
		}
		message = ""
	} else {
		log.Debugf("[%s] %s: %v", reqID, kind, err)
	}

	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":      kind.String(),
			"message":   message,
			"retryable": kind.Retryable(),
		},
		"request_id": reqID,
	})
}

func requestID(w http.ResponseWriter) string {
	id := uuid.NewString()
	w.Header().Set(HeaderRequestID, id)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

type filterRequest struct {
	MinAmount uint64 `json:"min_amount"`
	Public    bool   `json:"public"`
}

type filterResponse struct {
	Address   string    `json:"address"`
	MinAmount uint64    `json:"min_amount"`
	Public    bool      `json:"public"`
	UpdatedAt time.Time `json:"updated_at"`
}

// handleFilter serves /api/v1/messages/{address}/filter. Reading a public
// filter needs no credentials.
func (h *Handler) handleFilter(w http.ResponseWriter, r *http.Request, reqID string, addr address.Address) {
	var (
		f   *storage.Filter
		err error
	)
	switch r.Method {
	case http.MethodGet:
		cred, _ := credentialFromRequest(r)
		f, err = h.retrieval.Filter(r.Context(), addr, cred)
	case http.MethodPut:
		cred, cerr := credentialFromRequest(r)
		if cerr != nil {
			writeRelayError(w, reqID, cerr)
			return
		}
		var req filterRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, 4096))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", "filter body is malformed")
			return
		}
		f, err = h.retrieval.SetFilter(r.Context(), addr, cred, storage.Filter{
			MinAmount: req.MinAmount,
			Public:    req.Public,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		writeRelayError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, filterResponse{
		Address:   addr.String(),
		MinAmount: f.MinAmount,
		Public:    f.Public,
		UpdatedAt: f.UpdatedAt,
	})
}
