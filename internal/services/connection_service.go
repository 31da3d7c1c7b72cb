package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tallyhq/backend/internal/middleware"
	"github.com/tallyhq/backend/internal/models"
	"github.com/tallyhq/backend/internal/provider"
)

// ProviderAPI is the slice of the provider client the services depend on.
type ProviderAPI interface {
	VerifyKey(ctx context.Context, credential string) (*provider.ProviderAccount, error)
	FetchTransactions(ctx context.Context, credential string, opts provider.FetchOptions) ([]provider.RawTransaction, error)
	FetchPayouts(ctx context.Context, credential string, opts provider.FetchOptions) ([]provider.RawPayout, error)
}

// ConnectionService owns per-account provider connection state: which method
// the account is connected by, the sealed credential, and the last-sync
// marker. Resolving connection state never performs provider I/O; only
// ConnectManualKey makes a single validation call before persisting.
type ConnectionService struct {
	db        *sql.DB
	redis     *redis.Client
	provider  ProviderAPI
	validator *ValidationHelper
	sealKey   []byte
}

func NewConnectionService(db *sql.DB, redisClient *redis.Client, providerClient ProviderAPI) *ConnectionService {
	viper.SetDefault("credentials.seal_secret", "dev-only-seal-secret")
	secret := sha256.Sum256([]byte(viper.GetString("credentials.seal_secret")))

	return &ConnectionService{
		db:        db,
		redis:     redisClient,
		provider:  providerClient,
		validator: NewValidationHelper(),
		sealKey:   secret[:],
	}
}

// CheckConnection reports whether the account has a credential on file and by
// which method. Absence of a credential is a normal result, not an error.
func (s *ConnectionService) CheckConnection(ctx context.Context, accountID string) (*models.ConnectionStatus, error) {
	conn, err := s.connection(ctx, accountID)
	if err == sql.ErrNoRows {
		return &models.ConnectionStatus{Connected: false, Method: models.MethodNone}, nil
	}
	if err != nil {
		return nil, err
	}

	return &models.ConnectionStatus{
		Connected:         true,
		Method:            conn.Method,
		ProviderAccountID: conn.ProviderAccountID,
		LastSyncedAt:      conn.LastSyncedAt,
	}, nil
}

// ConnectManualKey validates a manually supplied API key against the
// provider's account-info endpoint and stores it sealed. Nothing is persisted
// when validation fails.
func (s *ConnectionService) ConnectManualKey(ctx context.Context, accountID, key string) (*models.ConnectionStatus, error) {
	account, err := s.provider.VerifyKey(ctx, key)
	if err != nil {
		var reqErr *provider.RequestError
		if errors.As(err, &reqErr) && (reqErr.StatusCode == http.StatusUnauthorized || reqErr.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, reqErr.Message)
		}
		return nil, err
	}

	sealed, err := s.seal(key)
	if err != nil {
		return nil, err
	}

	if err := s.saveConnection(ctx, accountID, models.MethodManualKey, account.ID, sealed); err != nil {
		return nil, err
	}

	log.Printf("[CONNECTION] account %s connected via manual key (provider account %s)", accountID, account.ID)
	return &models.ConnectionStatus{
		Connected:         true,
		Method:            models.MethodManualKey,
		ProviderAccountID: account.ID,
	}, nil
}

// SaveDelegated records a session reference produced by the provider's
// delegated-authorization redirect flow. The redirect handshake itself lives
// outside this service; it hands the opaque session reference in here.
func (s *ConnectionService) SaveDelegated(ctx context.Context, accountID, sessionRef, providerAccountID string) error {
	sealed, err := s.seal(sessionRef)
	if err != nil {
		return err
	}
	if err := s.saveConnection(ctx, accountID, models.MethodDelegated, providerAccountID, sealed); err != nil {
		return err
	}
	log.Printf("[CONNECTION] account %s connected via delegated session", accountID)
	return nil
}

// Disconnect removes the account's credential. Synced records and their
// timestamps stay in place, so a later reconnect resumes incrementally.
func (s *ConnectionService) Disconnect(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_connections WHERE account_id = $1`, accountID)
	return err
}

// Credential returns the decrypted bearer credential for the sync engine.
func (s *ConnectionService) Credential(ctx context.Context, accountID string) (string, error) {
	conn, err := s.connection(ctx, accountID)
	if err == sql.ErrNoRows {
		return "", ErrNotConnected
	}
	if err != nil {
		return "", err
	}
	return s.open(conn.SealedCredential)
}

// TouchLastSynced records the completion instant of a successful sync. The
// sync engine is the only writer of this marker.
func (s *ConnectionService) TouchLastSynced(ctx context.Context, accountID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_connections SET last_synced_at = $1, updated_at = $1 WHERE account_id = $2`,
		at, accountID)
	return err
}

// ConnectLink builds the delegated-authorization URL for the account, with a
// short-lived state nonce held in redis, and renders it as a QR PNG so the
// flow can be finished from a phone.
func (s *ConnectionService) ConnectLink(ctx context.Context, accountID string) (string, string, error) {
	viper.SetDefault("provider.connect_url", "https://connect.paystream.io/authorize")
	viper.SetDefault("provider.client_id", "")

	state := uuid.New().String()
	if s.redis != nil {
		key := fmt.Sprintf("connect:state:%s", state)
		if err := s.redis.Set(ctx, key, accountID, 5*time.Minute).Err(); err != nil {
			return "", "", err
		}
	}

	link := fmt.Sprintf("%s?client_id=%s&state=%s",
		viper.GetString("provider.connect_url"), viper.GetString("provider.client_id"), state)

	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		return "", "", err
	}
	return link, base64.StdEncoding.EncodeToString(png), nil
}

func (s *ConnectionService) connection(ctx context.Context, accountID string) (*models.ProviderConnection, error) {
	var conn models.ProviderConnection
	var lastSynced sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, method, provider_account_id, sealed_credential, last_synced_at
		FROM provider_connections
		WHERE account_id = $1`, accountID).
		Scan(&conn.AccountID, &conn.Method, &conn.ProviderAccountID, &conn.SealedCredential, &lastSynced)
	if err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		t := lastSynced.Time.UTC()
		conn.LastSyncedAt = &t
	}
	return &conn, nil
}

func (s *ConnectionService) saveConnection(ctx context.Context, accountID string, method models.ConnectionMethod, providerAccountID, sealed string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_connections
			(account_id, method, provider_account_id, sealed_credential, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			method = EXCLUDED.method,
			provider_account_id = EXCLUDED.provider_account_id,
			sealed_credential = EXCLUDED.sealed_credential,
			updated_at = EXCLUDED.updated_at`,
		accountID, method, providerAccountID, sealed, time.Now().UTC())
	return err
}

// seal encrypts a credential for storage at rest.
func (s *ConnectionService) seal(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *ConnectionService) open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("sealed credential is malformed")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// GetConnection reports the account's connection state
// @Summary Check provider connection
// @Description Report whether the authenticated account is connected to the payment provider and by which method
// @Tags connection
// @Produce json
// @Success 200 {object} models.ConnectionStatus
// @Failure 500 {object} ErrorResponse
// @Router /connection [get]
func (s *ConnectionService) GetConnection(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	status, err := s.CheckConnection(r.Context(), accountID)
	if err != nil {
		log.Printf("[CONNECTION] failed to resolve connection for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to resolve connection", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

type manualKeyRequest struct {
	Key string `json:"key" validate:"required,min=16"`
}

// PostManualKey connects the account with a manually supplied API key
// @Summary Connect with API key
// @Description Validate a provider API key once and store it encrypted
// @Tags connection
// @Accept json
// @Produce json
// @Param request body manualKeyRequest true "Provider API key"
// @Success 200 {object} models.ConnectionStatus
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /connection/manual-key [post]
func (s *ConnectionService) PostManualKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req manualKeyRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	status, err := s.ConnectManualKey(r.Context(), accountID, req.Key)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			SendErrorResponse(w, "Provider rejected the API key", http.StatusUnprocessableEntity, nil)
			return
		}
		log.Printf("[CONNECTION] manual key connect failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to verify credential", http.StatusBadGateway, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

type delegatedRequest struct {
	SessionRef        string `json:"sessionRef" validate:"required"`
	ProviderAccountID string `json:"providerAccountId" validate:"required"`
	State             string `json:"state"`
}

// PostDelegated stores the session reference produced by the provider's
// delegated-authorization flow
// @Summary Save delegated session
// @Description Persist the opaque session reference handed back by the provider redirect flow
// @Tags connection
// @Accept json
// @Produce json
// @Param request body delegatedRequest true "Delegated session"
// @Success 200 {object} models.ConnectionStatus
// @Failure 400 {object} ErrorResponse
// @Router /connection/delegated [post]
func (s *ConnectionService) PostDelegated(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req delegatedRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.State != "" && s.redis != nil {
		key := fmt.Sprintf("connect:state:%s", req.State)
		owner, err := s.redis.Get(r.Context(), key).Result()
		if err != nil || owner != accountID {
			SendErrorResponse(w, "Unknown or expired connect state", http.StatusBadRequest, nil)
			return
		}
		s.redis.Del(r.Context(), key)
	}

	if err := s.SaveDelegated(r.Context(), accountID, req.SessionRef, req.ProviderAccountID); err != nil {
		log.Printf("[CONNECTION] delegated connect failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to save connection", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.ConnectionStatus{
		Connected:         true,
		Method:            models.MethodDelegated,
		ProviderAccountID: req.ProviderAccountID,
	})
}

// DeleteConnection removes the account's provider credential
// @Summary Disconnect from provider
// @Tags connection
// @Produce json
// @Success 200 {object} map[string]bool
// @Failure 500 {object} ErrorResponse
// @Router /connection [delete]
func (s *ConnectionService) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := s.Disconnect(r.Context(), accountID); err != nil {
		log.Printf("[CONNECTION] disconnect failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to disconnect", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"disconnected": true})
}

// GetConnectQR renders the delegated-authorization link as a QR code
// @Summary Connect link QR
// @Description Return the provider authorization URL and a QR PNG of it
// @Tags connection
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 500 {object} ErrorResponse
// @Router /connection/qr [get]
func (s *ConnectionService) GetConnectQR(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	link, png, err := s.ConnectLink(r.Context(), accountID)
	if err != nil {
		log.Printf("[CONNECTION] connect QR failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to build connect link", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"url":     link,
		"qrImage": png,
	})
}
