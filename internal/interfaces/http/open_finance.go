package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"finlink/internal/domain/account"
	"finlink/internal/domain/openfinance"
	"finlink/internal/domain/syncjob"
	"finlink/internal/shared/middleware"
)

const maxActionBodySize = 1 << 20 // 1 MiB

var errUnknownAction = errors.New("unknown action")

// OpenFinanceService is the part of openfinance.Service exposed over HTTP.
type OpenFinanceService interface {
	CreateLinkToken(ctx context.Context, userID int64, providerKey openfinance.ProviderKey) (*openfinance.LinkToken, error)
	ExchangePublicToken(ctx context.Context, userID int64, providerKey openfinance.ProviderKey, publicToken string) (*openfinance.ExchangeResult, error)
	RefreshConnectionTokens(ctx context.Context, userID int64, connectionID string) error
	InitiateSync(ctx context.Context, userID int64, connectionID, mode string) (*syncjob.Job, bool, error)
	RevokeConnection(ctx context.Context, userID int64, connectionID string) error
	GetSyncJob(ctx context.Context, userID int64, jobID string) (*syncjob.Job, error)
	ListAccounts(ctx context.Context, userID int64, connectionID string) ([]*account.Account, error)
}

type OpenFinanceHandler struct {
	service OpenFinanceService
	logger  *zap.Logger
}

func NewOpenFinanceHandler(service OpenFinanceService, logger *zap.Logger) *OpenFinanceHandler {
	return &OpenFinanceHandler{service: service, logger: logger}
}

// action is one request variant of the open finance endpoint.
type action interface {
	validate() error
	execute(ctx context.Context, svc OpenFinanceService, userID int64) (any, error)
}

var actions = map[string]func() action{
	"create_link_token":         func() action { return &createLinkTokenRequest{} },
	"exchange_public_token":     func() action { return &exchangePublicTokenRequest{} },
	"refresh_connection_tokens": func() action { return &refreshConnectionTokensRequest{} },
	"initiate_sync":             func() action { return &initiateSyncRequest{} },
	"revoke_connection":         func() action { return &revokeConnectionRequest{} },
	"get_sync_job":              func() action { return &getSyncJobRequest{} },
	"list_accounts":             func() action { return &listAccountsRequest{} },
}

type successResponse struct {
	Success bool `json:"success"`
}

type createLinkTokenRequest struct {
	ProviderKey string `json:"provider_key"`
}

func (r *createLinkTokenRequest) validate() error {
	return requireField("provider_key", r.ProviderKey)
}

func (r *createLinkTokenRequest) execute(ctx context.Context, svc OpenFinanceService, userID int64) (any, error) {
	return svc.CreateLinkToken(ctx, userID, openfinance.ParseProviderKey(r.ProviderKey))
}

type exchangePublicTokenRequest struct {
	ProviderKey string `json:"provider_key"`
	PublicToken string `json:"public_token"`
}

func (r *exchangePublicTokenRequest) validate() error {
	if err := requireField("provider_key", r.ProviderKey); err != nil {
		return err
	}
	return requireField("public_token", r.PublicToken)
}

func (r *exchangePublicTokenRequest) execute(ctx context.Context, svc OpenFinanceService, userID int64) (any, error) {
	return svc.ExchangePublicToken(ctx, userID, openfinance.ParseProviderKey(r.ProviderKey), r.PublicToken)
}

type refreshConnectionTokensRequest struct {
	ConnectionID string `json:"connection_id"`
}

func (r *refreshConnectionTokensRequest) validate() error {
	return requireField("connection_id", r.ConnectionID)
}

func (r *refreshConnectionTokensRequest) execute(ctx context.Context, svc OpenFinanceService, userID int64) (any, error) {
	if err := svc.RefreshConnectionTokens(ctx, userID, r.ConnectionID); err != nil {
		return nil, err
	}
	return successResponse{Success: true}, nil
}

type initiateSyncRequest struct {
	ConnectionID string `json:"connection_id"`
	Mode         string `json:"mode"`
}

type initiateSyncResponse struct {
	JobID string `json:"jobId"`
}

func (r *initiateSyncRequest) validate() error {
	if err := requireField("connection_id", r.ConnectionID); err != nil {
		return err
	}
	_, err := syncjob.ParseMode(r.Mode)
	return err
}

func (r *initiateSyncRequest) execute(ctx context.Context, svc OpenFinanceService, userID int64) (any, error) {
	job, _, err := svc.InitiateSync(ctx, userID, r.ConnectionID, r.Mode)
	if err != nil {
		return nil, err
	}
	return initiateSyncResponse{JobID: job.ID}, nil
}

type revokeConnectionRequest struct {
	ConnectionID string `json:"connection_id"`
}

func (r *revokeConnectionRequest) validate() error {
	return requireField("connection_id", r.ConnectionID)
}

func (r *revokeConnectionRequest) execute(ctx context.Context, svc OpenFinanceService, userID int64) (any, error) {
	if err := svc.RevokeConnection(ctx, userID, r.ConnectionID); err != nil {
		return nil, err
	}
	return successResponse{Success: true}, nil
}

type getSyncJobRequest struct {
	JobID string `json:"job_id"`
}

func (r *getSyncJobRequest) validate() error {
	return requireField("job_id", r.JobID)
}

func (r *getSyncJobRequest) execute(ctx context.Context, svc OpenFinanceService, userID int64) (any, error) {
	return svc.GetSyncJob(ctx, userID, r.JobID)
}

type listAccountsRequest struct {
	ConnectionID string `json:"connection_id"`
}

type listAccountsResponse struct {
	Accounts []*account.Account `json:"accounts"`
}

func (r *listAccountsRequest) validate() error {
	return requireField("connection_id", r.ConnectionID)
}

func (r *listAccountsRequest) execute(ctx context.Context, svc OpenFinanceService, userID int64) (any, error) {
	accounts, err := svc.ListAccounts(ctx, userID, r.ConnectionID)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []*account.Account{}
	}
	return listAccountsResponse{Accounts: accounts}, nil
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", openfinance.ErrInvalidInput, name)
	}
	return nil
}

// HandleAction handles POST /api/open-finance
func (h *OpenFinanceHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxActionBodySize)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	act, name, err := decodeAction(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := h.logger.With(zap.String("action", name), zap.Int64("user_id", userID))
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("finlink.action", name))

	if err := act.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := act.execute(r.Context(), h.service, userID)
	if err != nil {
		status, message := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error("open finance action failed", zap.Int("status", status), zap.Error(err))
		} else {
			log.Info("open finance action rejected", zap.Int("status", status), zap.Error(err))
		}
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// decodeAction selects the request variant named by the "action" field and
// decodes the remaining parameters into it.
func decodeAction(raw json.RawMessage) (action, string, error) {
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, "", errors.New("invalid request body")
	}
	if envelope.Action == "" {
		return nil, "", errors.New("action is required")
	}

	newAction, ok := actions[envelope.Action]
	if !ok {
		return nil, envelope.Action, fmt.Errorf("%w: %s", errUnknownAction, envelope.Action)
	}

	act := newAction()
	if err := json.Unmarshal(raw, act); err != nil {
		return nil, envelope.Action, errors.New("invalid request parameters")
	}
	return act, envelope.Action, nil
}

// statusFor maps a service error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, openfinance.ErrInvalidInput),
		errors.Is(err, openfinance.ErrInvalidSyncMode),
		errors.Is(err, openfinance.ErrProviderDisabled),
		errors.Is(err, openfinance.ErrUnsupportedOperation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, openfinance.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, openfinance.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, openfinance.ErrConnectionNotFound):
		return http.StatusNotFound, "connection not found"
	case errors.Is(err, openfinance.ErrJobNotFound):
		return http.StatusNotFound, "sync job not found"
	case errors.Is(err, openfinance.ErrStateConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, openfinance.ErrNoRefreshToken):
		return http.StatusConflict, "connection has no refresh credential"
	}

	if pErr, ok := openfinance.AsProviderError(err); ok && pErr.Timeout {
		return http.StatusGatewayTimeout, "provider timed out"
	}

	return http.StatusInternalServerError, "internal server error"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
