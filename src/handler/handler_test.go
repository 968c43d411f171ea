package handler

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/repository"
	"github.com/ethaccount/bundler/src/service"
	"github.com/ethaccount/bundler/src/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testChainID = 1337
	testSecret  = "s3cret"
)

var oneEther = big.NewInt(params.Ether)

type memoryBundleStore struct {
	mu      sync.Mutex
	records []*domain.BundleRecord
}

func (s *memoryBundleStore) SaveBundle(_ context.Context, result *domain.BundleResult) error {
	record, err := domain.NewBundleRecord(testChainID, result)
	if err != nil {
		return err
	}
	record.CreatedAt = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]*domain.BundleRecord{record}, s.records...)
	return nil
}

func (s *memoryBundleStore) ListBundles(_ context.Context, limit int) ([]*domain.BundleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	return append([]*domain.BundleRecord(nil), s.records[:limit]...), nil
}

func (s *memoryBundleStore) FindBundleByTxHash(_ context.Context, txHash string) (*domain.BundleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.TransactionHash == txHash {
			return r, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

type testServer struct {
	url     string
	chain   *testutil.FakeChain
	bundler *service.Bundler
	owner   *ecdsa.PrivateKey
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bundlerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)

	chain := testutil.NewFakeChain(testChainID)
	signer := service.NewSignerFromKey(bundlerKey)
	chain.SetBalance(signer.Address(), oneEther)

	registry := prometheus.NewRegistry()
	bundles := &memoryBundleStore{}
	bundler := service.NewBundler(chain, signer, service.NewNodeGasEstimator(chain), repository.NewMemoryStatusStore(time.Hour), service.BundlerConfig{
		Executor: service.ExecutorConfig{ReceiptTimeout: time.Second, ReceiptPollInterval: 10 * time.Millisecond},
	}).
		WithMetrics(service.NewCollector(zerolog.Nop(), registry)).
		WithRecorder(bundles)

	router := gin.New()
	stop, err := RegisterRoutes(zerolog.Nop().WithContext(context.Background()), router, RouterConfig{
		Bundler:   bundler,
		Bundles:   bundles,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		APISecret: testSecret,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		stop()
	})
	return &testServer{url: srv.URL, chain: chain, bundler: bundler, owner: owner}
}

func (s *testServer) dial(t *testing.T, path string, opts ...rpc.ClientOption) erc4337.Bundler {
	t.Helper()
	c, err := rpc.DialOptions(context.Background(), s.url+path, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return erc4337.NewBundlerClient(c)
}

func (s *testServer) public(t *testing.T) erc4337.Bundler {
	return s.dial(t, "/rpc")
}

func (s *testServer) admin(t *testing.T) erc4337.Bundler {
	return s.dial(t, "/debug/rpc", rpc.WithHeader(apiSecretHeader, testSecret))
}

// signedOp deploys a funded account and returns a signed op for it.
func (s *testServer) signedOp(t *testing.T, seq uint64) *erc4337.UserOperation {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	s.chain.SetCode(sender, testutil.AccountCode)
	s.chain.SetBalance(sender, oneEther)

	op := &erc4337.UserOperation{
		Sender:               sender,
		Nonce:                (*hexutil.Big)(erc4337.JoinNonce(big.NewInt(0), seq)),
		CallData:             common.BigToHash(big.NewInt(42)).Bytes(),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(100_000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(200_000)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(params.GWei)),
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(3 * params.GWei)),
		Signature:            make([]byte, 65),
	}
	packed, err := op.Pack()
	require.NoError(t, err)
	op.PreVerificationGas = (*hexutil.Big)(new(big.Int).SetUint64(service.CalcPreVerificationGas(packed)))

	hash, err := op.GetUserOpHash(service.DefaultEntryPoint, big.NewInt(testChainID))
	require.NoError(t, err)
	op.Signature, err = erc4337.SignUserOpHash(hash, s.owner)
	require.NoError(t, err)
	return op
}

func TestRPC_UserOperationLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	client := srv.public(t)
	admin := srv.admin(t)

	chainID, err := client.ChainId(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(testChainID), chainID.Int64())

	entryPoints, err := client.SupportedEntryPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{service.DefaultEntryPoint}, entryPoints)

	op := srv.signedOp(t, 0)
	estimate, err := client.EstimateUserOperationGas(ctx, op, service.DefaultEntryPoint)
	require.NoError(t, err)
	assert.NotZero(t, estimate.CallGasLimit.ToInt().Sign())
	assert.Nil(t, estimate.PaymasterVerificationGasLimit)

	hash, err := client.SendUserOperation(ctx, op, service.DefaultEntryPoint)
	require.NoError(t, err)
	want, err := op.GetUserOpHash(service.DefaultEntryPoint, big.NewInt(testChainID))
	require.NoError(t, err)
	assert.Equal(t, want, hash)

	status, err := client.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusPending), status.Status)

	receipt, err := client.GetUserOperationReceipt(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, receipt, "pending operations have no receipt")

	pending, err := admin.DumpMempool(ctx, service.DefaultEntryPoint)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, op.Sender, pending[0].Sender)

	summary, err := admin.SendBundleNow(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Success)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, hash, summary.Results[0].UserOpHash)

	receipt, err = client.GetUserOperationReceipt(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, op.Sender, receipt.Sender)

	byHash, err := client.GetUserOperationByHash(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, byHash)
	assert.Equal(t, service.DefaultEntryPoint, byHash.EntryPoint)
	assert.Equal(t, summary.TransactionHash, byHash.TransactionHash)
	assert.NotNil(t, byHash.BlockNumber)

	unknown, err := client.GetUserOperationByHash(ctx, common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestRPC_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	client := srv.public(t)

	tests := []struct {
		name     string
		op       func(t *testing.T) *erc4337.UserOperation
		rpcCode  int
		dataCode string
	}{
		{
			name:     "nonce ahead of chain",
			op:       func(t *testing.T) *erc4337.UserOperation { return srv.signedOp(t, 3) },
			rpcCode:  domain.RPCCodeRejectedByAccount,
			dataCode: domain.CodeInvalidNonce,
		},
		{
			name: "sender not deployed",
			op: func(t *testing.T) *erc4337.UserOperation {
				op := srv.signedOp(t, 0)
				op.Sender = common.HexToAddress("0x1234")
				return op
			},
			rpcCode:  domain.RPCCodeRejectedByAccount,
			dataCode: domain.CodeSenderNotDeployed,
		},
		{
			name: "fee fields inconsistent",
			op: func(t *testing.T) *erc4337.UserOperation {
				op := srv.signedOp(t, 0)
				op.MaxFeePerGas = (*hexutil.Big)(big.NewInt(1))
				return op
			},
			rpcCode:  domain.RPCCodeInvalidParams,
			dataCode: domain.CodeInvalidFields,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.SendUserOperation(ctx, tt.op(t), service.DefaultEntryPoint)
			require.Error(t, err)

			var rpcErr rpc.Error
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.rpcCode, rpcErr.ErrorCode())

			var dataErr rpc.DataError
			require.ErrorAs(t, err, &dataErr)
			data, ok := dataErr.ErrorData().(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, tt.dataCode, data["code"])
		})
	}

	assert.Zero(t, srv.bundler.PendingCount(service.DefaultEntryPoint))
}

func TestRPC_DebugNamespaceRequiresSecret(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	_, err := srv.public(t).SendBundleNow(ctx)
	require.Error(t, err, "debug methods are not served on the public endpoint")

	body := `{"jsonrpc":"2.0","id":1,"method":"debug_bundler_clearState","params":[]}`
	for name, secret := range map[string]string{"missing": "", "wrong": "nope"} {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, srv.url+"/debug/rpc", strings.NewReader(body))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/json")
			if secret != "" {
				req.Header.Set(apiSecretHeader, secret)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	admin := srv.admin(t)
	hash, err := srv.public(t).SendUserOperation(ctx, srv.signedOp(t, 0), service.DefaultEntryPoint)
	require.NoError(t, err)
	require.NoError(t, admin.DropUserOperation(ctx, hash))
	assert.Error(t, admin.DropUserOperation(ctx, hash))

	_, err = srv.public(t).SendUserOperation(ctx, srv.signedOp(t, 0), service.DefaultEntryPoint)
	require.NoError(t, err)
	require.NoError(t, admin.ClearState(ctx))
	pending, err := admin.DumpMempool(ctx, service.DefaultEntryPoint)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestREST(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	hash, err := srv.public(t).SendUserOperation(ctx, srv.signedOp(t, 0), service.DefaultEntryPoint)
	require.NoError(t, err)
	summary, err := srv.admin(t).SendBundleNow(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary.TransactionHash)

	type response struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCode   int
		check      func(t *testing.T, data json.RawMessage)
	}{
		{
			name:       "userop status",
			path:       "/api/v1/userops/" + hash.Hex(),
			wantStatus: http.StatusOK,
			check: func(t *testing.T, data json.RawMessage) {
				var record domain.StatusRecord
				require.NoError(t, json.Unmarshal(data, &record))
				assert.Equal(t, domain.StatusIncluded, record.State)
				assert.Equal(t, summary.TransactionHash, record.TransactionHash)
			},
		},
		{
			name:       "malformed userop hash",
			path:       "/api/v1/userops/0x1234",
			wantStatus: http.StatusBadRequest,
			wantCode:   1001,
		},
		{
			name:       "unknown userop",
			path:       "/api/v1/userops/" + common.HexToHash("0x01").Hex(),
			wantStatus: http.StatusNotFound,
			wantCode:   1002,
		},
		{
			name:       "bundle history",
			path:       "/api/v1/bundles?limit=10",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, data json.RawMessage) {
				var bundles []BundleResponse
				require.NoError(t, json.Unmarshal(data, &bundles))
				require.Len(t, bundles, 1)
				assert.Equal(t, summary.TransactionHash.Hex(), bundles[0].TransactionHash)
				assert.Equal(t, 1, bundles[0].OpCount)
				assert.True(t, bundles[0].GasCostEth.IsPositive())
			},
		},
		{
			name:       "zero limit uses the default page",
			path:       "/api/v1/bundles?limit=0",
			wantStatus: http.StatusOK,
		},
		{
			name:       "bundle limit too large",
			path:       "/api/v1/bundles?limit=1000",
			wantStatus: http.StatusBadRequest,
			wantCode:   1001,
		},
		{
			name:       "bundle found by upper-case hash",
			path:       "/api/v1/bundles/0x" + strings.ToUpper(summary.TransactionHash.Hex()[2:]),
			wantStatus: http.StatusOK,
		},
		{
			name:       "bundle found",
			path:       "/api/v1/bundles/" + summary.TransactionHash.Hex(),
			wantStatus: http.StatusOK,
			check: func(t *testing.T, data json.RawMessage) {
				var bundle BundleResponse
				require.NoError(t, json.Unmarshal(data, &bundle))
				require.Len(t, bundle.Results, 1)
				assert.Equal(t, hash, bundle.Results[0].UserOpHash)
			},
		},
		{
			name:       "bundle not found",
			path:       "/api/v1/bundles/" + common.HexToHash("0x02").Hex(),
			wantStatus: http.StatusNotFound,
			wantCode:   1002,
		},
		{
			name:       "mempool",
			path:       "/api/v1/mempool",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, data json.RawMessage) {
				var pools []MempoolResponse
				require.NoError(t, json.Unmarshal(data, &pools))
				assert.Equal(t, []MempoolResponse{{EntryPoint: service.DefaultEntryPoint.Hex(), Pending: 0}}, pools)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp response
			status := getJSON(t, srv.url+tt.path, &resp)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, resp.Code)
			if tt.check != nil {
				tt.check(t, resp.Data)
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.url+"/api/v1/health", &health))
	assert.Equal(t, "1337", health["chainId"])

	_, err := srv.public(t).SendUserOperation(context.Background(), srv.signedOp(t, 0), service.DefaultEntryPoint)
	require.NoError(t, err)

	resp, err := http.Get(srv.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body strings.Builder
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "bundler_userops_submitted_total 1")
}

func TestValidateHash32(t *testing.T) {
	registerValidators()
	type req struct {
		Hash string `binding:"required,hash32"`
	}
	tests := []struct {
		hash string
		ok   bool
	}{
		{common.HexToHash("0xabc").Hex(), true},
		{"0x" + strings.Repeat("ab", 32), true},
		{"0x1234", false},
		{strings.Repeat("ab", 32), false},
		{"0x" + strings.Repeat("zz", 32), false},
	}
	for _, tt := range tests {
		err := binding.Validator.ValidateStruct(req{Hash: tt.hash})
		assert.Equal(t, tt.ok, err == nil, tt.hash)
	}
}

func TestParseDomainError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		status int
	}{
		{"domain error", domain.NewError(domain.ErrorCodeAuthNotAuthenticated, errors.New("no secret")), 1004, http.StatusUnauthorized},
		{"wrapped not found", fmt.Errorf("lookup: %w", domain.ErrUserOpNotFound), 1002, http.StatusNotFound},
		{"validation", domain.NewValidationError(domain.CodeInvalidNonce, "nonce too low"), 1001, http.StatusBadRequest},
		{"infra", &domain.InfraError{Op: "eth_call", Err: errors.New("connection refused")}, 1006, http.StatusBadGateway},
		{"unknown", errors.New("boom"), 1000, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			domainErr := parseDomainError(tt.err)
			assert.Equal(t, tt.code, mapDomainErrorToCode(domainErr))
			assert.Equal(t, tt.status, domainErr.HTTPStatus())
		})
	}

	detail := parseDomainError(domain.NewValidationError(domain.CodeInvalidNonce, "nonce too low")).Detail()
	assert.Equal(t, domain.CodeInvalidNonce, detail["aaCode"])
}
