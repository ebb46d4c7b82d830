package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"unit/intents/internal/codec"
	"unit/intents/internal/config"
	"unit/intents/internal/logging"
	"unit/intents/internal/metrics"
	"unit/intents/internal/models"
	"unit/intents/internal/planner"
	"unit/intents/internal/stores"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SignatureHeader carries the account's EIP-191 signature over the raw request body.
const SignatureHeader = "X-Account-Signature"

// maxRequestTTL bounds how far in the future a signed request's deadline may be.
const maxRequestTTL = 10 * time.Minute

var (
	ErrUnsignedRequest = errors.New("missing account signature")
	ErrWrongSigner     = errors.New("request not signed by the account")
	ErrRequestExpired  = errors.New("request deadline outside the accepted window")
)

type PlanBuilder interface {
	Plan(ctx context.Context, req planner.Request) (*models.Plan, error)
}

type RelayQueue interface {
	Enqueue(ctx context.Context, plan *models.Plan) ([]*models.RelayJob, error)
	Requeue(ctx context.Context, id string) (*models.RelayJob, error)
}

type ApiConfig struct {
	Addr     string
	Keys     stores.KeyStore
	Accounts stores.AccountStore
	Jobs     stores.JobStore
	Chains   *config.ChainTable
	Planner  PlanBuilder
	Relay    RelayQueue
	Metrics  *metrics.Registry
	Logger   logrus.FieldLogger
}

type ApiService struct {
	server   *http.Server
	keys     stores.KeyStore
	accounts stores.AccountStore
	jobs     stores.JobStore
	chains   *config.ChainTable
	planner  PlanBuilder
	relay    RelayQueue
	metrics  *metrics.Registry
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewApiService(cfg ApiConfig) *ApiService {
	a := &ApiService{
		keys:     cfg.Keys,
		accounts: cfg.Accounts,
		jobs:     cfg.Jobs,
		chains:   cfg.Chains,
		planner:  cfg.Planner,
		relay:    cfg.Relay,
		metrics:  cfg.Metrics,
		log:      logging.OrDiscard(cfg.Logger),
		now:      time.Now,
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":8000"
	}
	a.server = &http.Server{
		Addr:    addr,
		Handler: a.Router(),
	}
	return a
}

func (a *ApiService) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ledgers/:chainId/:account", a.handleLedger)
	r.POST("/accounts", a.handleCreateAccount)
	r.GET("/accounts/:address", a.handleGetAccount)
	r.POST("/plans", a.handleCreatePlan)
	r.GET("/plans/:id", a.handleGetPlan)
	r.GET("/jobs/:id", a.handleGetJob)
	r.POST("/jobs/:id/requeue", a.handleRequeue)
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	return r
}

func (a *ApiService) Start() error {
	return a.server.ListenAndServe()
}

func (a *ApiService) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

type ledgerResponse struct {
	ChainID uint64         `json:"chainId"`
	Account common.Address `json:"account"`
	Ledger  common.Address `json:"ledger"`
}

// handleLedger handles GET /ledgers/:chainId/:account
func (a *ApiService) handleLedger(c *gin.Context) {
	chainID, err := strconv.ParseUint(c.Param("chainId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chain id"})
		return
	}
	if !common.IsHexAddress(c.Param("account")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account address"})
		return
	}
	cfg, err := a.chains.Get(chainID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	account := common.HexToAddress(c.Param("account"))
	c.JSON(http.StatusOK, ledgerResponse{
		ChainID: chainID,
		Account: account,
		Ledger:  codec.LedgerAddress(cfg.AccumulatorFactory, account, cfg.AccumulatorInitCodeHash),
	})
}

type accountRequest struct {
	Account string `json:"account" binding:"required"`
	// Signer is optional; without it a batch signing key is generated and held here.
	Signer   string `json:"signer"`
	Deadline uint64 `json:"deadline" binding:"required"`
}

type accountResponse struct {
	Account common.Address `json:"account"`
	Signer  common.Address `json:"signer"`
	Status  string         `json:"status"`
}

// handleCreateAccount handles POST /accounts
func (a *ApiService) handleCreateAccount(c *gin.Context) {
	ctx := c.Request.Context()

	var req accountRequest
	if err := c.ShouldBindBodyWithJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	id, err := models.AccountID(req.Account)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account address"})
		return
	}
	if err := a.authorize(c, common.HexToAddress(id), req.Deadline); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	existing, err := a.accounts.Get(ctx, id)
	if err != nil && !errors.Is(err, stores.ErrAccountNotFound) {
		a.internalError(c, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusOK, accountResponse{Account: existing.Address, Signer: existing.Signer, Status: "ok"})
		return
	}

	signer := req.Signer
	if signer == "" {
		key, err := a.keys.CreateKey(ctx)
		if err != nil {
			a.internalError(c, err)
			return
		}
		signer = key.Hex()
	}
	account, err := models.NewAccount(req.Account, signer)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signer address"})
		return
	}
	if err := a.accounts.Insert(ctx, *account); err != nil {
		a.internalError(c, err)
		return
	}
	a.log.WithFields(logrus.Fields{
		"account": account.Address.Hex(),
		"signer":  account.Signer.Hex(),
	}).Info("account registered")
	c.JSON(http.StatusCreated, accountResponse{Account: account.Address, Signer: account.Signer, Status: "ok"})
}

// handleGetAccount handles GET /accounts/:address
func (a *ApiService) handleGetAccount(c *gin.Context) {
	id, err := models.AccountID(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account address"})
		return
	}
	account, err := a.accounts.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, stores.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		a.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse{Account: account.Address, Signer: account.Signer, Status: "ok"})
}

type callDTO struct {
	Target common.Address `json:"target"`
	Value  *hexutil.Big   `json:"value"`
	Data   hexutil.Bytes  `json:"data"`
}

type paramsDTO struct {
	Salt              common.Hash    `json:"salt"`
	FillDeadline      uint32         `json:"fillDeadline"`
	SumOutput         *hexutil.Big   `json:"sumOutput"`
	OutputToken       common.Address `json:"outputToken"`
	FinalMinOutput    *hexutil.Big   `json:"finalMinOutput"`
	FinalOutputToken  common.Address `json:"finalOutputToken"`
	Recipient         common.Address `json:"recipient"`
	DestinationCaller common.Address `json:"destinationCaller"`
	DestCalls         []callDTO      `json:"destCalls"`
}

type actionDTO struct {
	ChainID uint64     `json:"chainId"`
	Calls   []callDTO  `json:"calls"`
	Intent  *paramsDTO `json:"intent"`
}

type authorizationDTO struct {
	ChainID       uint64                     `json:"chainId"`
	Authorization types.SetCodeAuthorization `json:"authorization"`
}

type planRequest struct {
	Account        string             `json:"account" binding:"required"`
	Deadline       uint64             `json:"deadline" binding:"required"`
	Salt           *common.Hash       `json:"salt"`
	Actions        []actionDTO        `json:"actions"`
	Authorizations []authorizationDTO `json:"authorizations"`
}

type planResponse struct {
	Plan *models.Plan `json:"plan"`
	Jobs []string     `json:"jobs"`
}

// handleCreatePlan handles POST /plans: resolve, sign, and hand the envelopes to the relay.
// Only the account itself may ask for its batches to be signed.
func (a *ApiService) handleCreatePlan(c *gin.Context) {
	ctx := c.Request.Context()

	var body planRequest
	if err := c.ShouldBindBodyWithJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	id, err := models.AccountID(body.Account)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account address"})
		return
	}
	if err := a.authorize(c, common.HexToAddress(id), body.Deadline); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	account, err := a.accounts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, stores.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		a.internalError(c, err)
		return
	}

	req := body.toRequest(*account, rawBody(c))
	plan, err := a.planner.Plan(ctx, req)
	if err != nil {
		c.JSON(planErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	jobs, err := a.relay.Enqueue(ctx, plan)
	if err != nil {
		a.internalError(c, err)
		return
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	c.JSON(http.StatusCreated, planResponse{Plan: plan, Jobs: ids})
}

// handleGetPlan handles GET /plans/:id
func (a *ApiService) handleGetPlan(c *gin.Context) {
	plan, err := a.jobs.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, stores.ErrPlanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		a.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// handleGetJob handles GET /jobs/:id
func (a *ApiService) handleGetJob(c *gin.Context) {
	job, err := a.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, stores.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		a.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleRequeue handles POST /jobs/:id/requeue
func (a *ApiService) handleRequeue(c *gin.Context) {
	job, err := a.relay.Requeue(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, stores.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrJobInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		a.internalError(c, err)
	default:
		c.JSON(http.StatusOK, job)
	}
}

// authorize checks that account signed the raw body and that deadline is neither past nor
// further out than maxRequestTTL.
func (a *ApiService) authorize(c *gin.Context, account common.Address, deadline uint64) error {
	now := a.now()
	if deadline < uint64(now.Unix()) || deadline > uint64(now.Add(maxRequestTTL).Unix()) {
		return ErrRequestExpired
	}
	header := c.GetHeader(SignatureHeader)
	if header == "" {
		return ErrUnsignedRequest
	}
	sig, err := hexutil.Decode(header)
	if err != nil {
		return fmt.Errorf("%w: %v", codec.ErrInvalidSignature, err)
	}
	signer, err := codec.RecoverSigner(codec.RequestDigest(rawBody(c)), sig)
	if err != nil {
		return err
	}
	if signer != account {
		return ErrWrongSigner
	}
	return nil
}

func rawBody(c *gin.Context) []byte {
	v, _ := c.Get(gin.BodyBytesKey)
	body, _ := v.([]byte)
	return body
}

func (a *ApiService) internalError(c *gin.Context, err error) {
	a.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func planErrorStatus(err error) int {
	switch {
	case errors.Is(err, planner.ErrEmptyLeafSet),
		errors.Is(err, planner.ErrDuplicateExecuteLeafChain),
		errors.Is(err, planner.ErrInvalidAction),
		errors.Is(err, planner.ErrMissingAuthorization),
		errors.Is(err, planner.ErrAuthorizationMismatch),
		errors.Is(err, config.ErrMissingChainConfig):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// toRequest converts the body into a planner request. Without an explicit salt the salt
// is the hash of the signed body, so a replayed request yields the same plan.
func (p planRequest) toRequest(account models.Account, raw []byte) planner.Request {
	req := planner.Request{Account: account}
	if p.Salt != nil {
		req.Salt = *p.Salt
	} else {
		req.Salt = crypto.Keccak256Hash(raw)
	}
	for _, act := range p.Actions {
		action := planner.Action{ChainID: act.ChainID, Calls: toCalls(act.Calls)}
		if act.Intent != nil {
			params := act.Intent.toParams()
			action.Intent = &params
		}
		req.Actions = append(req.Actions, action)
	}
	if len(p.Authorizations) > 0 {
		req.Authorizations = make(map[uint64]types.SetCodeAuthorization, len(p.Authorizations))
		for _, auth := range p.Authorizations {
			req.Authorizations[auth.ChainID] = auth.Authorization
		}
	}
	return req
}

func (p paramsDTO) toParams() models.ExecutionParams {
	return models.ExecutionParams{
		Salt:              p.Salt,
		FillDeadline:      p.FillDeadline,
		SumOutput:         bigOrZero(p.SumOutput),
		OutputToken:       p.OutputToken,
		FinalMinOutput:    bigOrZero(p.FinalMinOutput),
		FinalOutputToken:  p.FinalOutputToken,
		Recipient:         p.Recipient,
		DestinationCaller: p.DestinationCaller,
		DestCalls:         toCalls(p.DestCalls),
	}
}

func toCalls(in []callDTO) []models.Call {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Call, len(in))
	for i, c := range in {
		out[i] = models.Call{Target: c.Target, Value: bigOrZero(c.Value), Data: c.Data}
	}
	return out
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}
