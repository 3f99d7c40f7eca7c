package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/mattehub/internal/api/middleware"
	"github.com/kiranshivaraju/mattehub/internal/api/response"
	"github.com/kiranshivaraju/mattehub/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// RawKeyPrefix starts every issued API key.
const RawKeyPrefix = "mhk_"

// KeyStore manages API keys. store.KeyStore satisfies it.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

type KeyHandler struct {
	keys KeyStore
	cost int
}

// NewKeyHandler creates a KeyHandler hashing keys with the given bcrypt cost;
// zero means bcrypt.DefaultCost.
func NewKeyHandler(keys KeyStore, cost int) *KeyHandler {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &KeyHandler{keys: keys, cost: cost}
}

// Create handles POST /api/v1/admin/keys. The raw key is returned once and
// never stored.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string     `json:"name"`
		OwnerID *uuid.UUID `json:"owner_id"`
		Scopes  []string   `json:"scopes"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{models.ScopeUser}
	}
	for _, s := range req.Scopes {
		if s != models.ScopeUser && s != models.ScopeWorker && s != models.ScopeAdmin {
			badRequest(w, fmt.Sprintf("unknown scope %q", s))
			return
		}
	}
	slices.Sort(req.Scopes)
	req.Scopes = slices.Compact(req.Scopes)

	owner, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing owner", nil)
		return
	}
	if req.OwnerID != nil {
		owner = *req.OwnerID
	}

	rawKey, err := generateRawKey()
	if err != nil {
		writeError(w, r, err)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), h.cost)
	if err != nil {
		writeError(w, r, fmt.Errorf("hash api key: %w", err))
		return
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   owner,
		Name:      req.Name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    req.Scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.keys.CreateAPIKey(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}

	response.Created(w, map[string]any{
		"id":         key.ID,
		"owner_id":   key.OwnerID,
		"name":       key.Name,
		"key":        rawKey,
		"key_prefix": key.KeyPrefix,
		"scopes":     key.Scopes,
		"created_at": key.CreatedAt,
	})
}

// List handles GET /api/v1/admin/keys?owner_id=.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFor(w, r)
	if !ok {
		return
	}
	keys, err := h.keys.ListAPIKeys(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.JSON(w, keys)
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}?owner_id=.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "keyID")
	if !ok {
		return
	}
	owner, ok := ownerFor(w, r)
	if !ok {
		return
	}
	if err := h.keys.RevokeAPIKey(r.Context(), id, owner); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func generateRawKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return RawKeyPrefix + hex.EncodeToString(b), nil
}
