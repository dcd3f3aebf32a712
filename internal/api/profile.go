package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
	"github.com/spacedatanetwork/sdn-relay/internal/auth"
	"github.com/spacedatanetwork/sdn-relay/internal/relay"
	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

// profileBody is the wire form of a signed profile. Data is base64 as
// encoding/json renders []byte; the key and signature are hex like the
// owner headers.
type profileBody struct {
	Address   string `json:"address,omitempty"`
	Data      []byte `json:"data"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signed_at"`
}

func toProfileBody(addr address.Address, p *storage.Profile) profileBody {
	return profileBody{
		Address:   addr.String(),
		Data:      p.Data,
		PublicKey: hex.EncodeToString(p.PublicKey),
		Signature: hex.EncodeToString(p.Signature),
		SignedAt:  p.SignedAt.Unix(),
	}
}

// ProfileDigest is what GET ?digest=true returns: the hex SHA-256 of the
// profile data, so clients can poll for changes cheaply.
func ProfileDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// handleProfile serves /api/v1/profiles/{address}.
func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	reqID := requestID(w)

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, profilesPath+"/"), "/")
	if rest == "" || strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, relay.KindNotFound.String(), "no such route")
		return
	}
	addr, err := address.Parse(rest)
	if err != nil {
		writeRelayError(w, reqID, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := h.profiles.Get(r.Context(), addr)
		if err != nil {
			writeRelayError(w, reqID, err)
			return
		}
		if want, _ := strconv.ParseBool(r.URL.Query().Get("digest")); want {
			writeJSON(w, http.StatusOK, map[string]string{
				"address": addr.String(),
				"digest":  ProfileDigest(p.Data),
			})
			return
		}
		writeJSON(w, http.StatusOK, toProfileBody(addr, p))
	case http.MethodPut:
		// Base64 inflates data by a third; leave room for the envelope.
		limit := int64(h.cfg.MaxProfileSize)*4/3 + 4096
		var body profileBody
		if err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_profile", "profile body is malformed")
			return
		}
		pub, perr := hex.DecodeString(body.PublicKey)
		sig, serr := hex.DecodeString(body.Signature)
		if perr != nil || serr != nil {
			writeError(w, http.StatusBadRequest, "invalid_profile", "public_key and signature must be hex")
			return
		}
		p, err := h.profiles.Put(r.Context(), addr, body.Data, auth.Credential{
			PublicKey: pub,
			Timestamp: time.Unix(body.SignedAt, 0).UTC(),
			Signature: sig,
		})
		if err != nil {
			writeRelayError(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"address": addr.String(),
			"digest":  ProfileDigest(p.Data),
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
