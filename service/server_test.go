package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notepool/pool"
	"notepool/storage"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func wadStr(units int64) string {
	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(units), wad).String()
}

func testScore() pool.RiskScore {
	return pool.RiskScore{
		AdvanceRate:                   big.NewInt(800_000),
		PenaltyRate:                   big.NewInt(200_000),
		InterestRate:                  big.NewInt(150_000),
		ProbabilityOfDefault:          big.NewInt(0),
		LossGivenDefault:              big.NewInt(0),
		GracePeriod:                   30 * 24 * time.Hour,
		CollectionPeriod:              60 * 24 * time.Hour,
		WriteOffAfterGracePeriod:      30 * 24 * time.Hour,
		WriteOffAfterCollectionPeriod: 90 * 24 * time.Hour,
		DiscountRate:                  big.NewInt(150_000),
	}
}

type fixture struct {
	server *Server
	pool   *pool.Pool
	store  *storage.SnapshotStore
	clock  *clock
}

func newFixture(t *testing.T, active bool) *fixture {
	t.Helper()
	cfg := pool.Config{
		Currency:    "USD",
		SalvageRate: big.NewInt(500_000),
	}
	p, err := pool.New("pool-1", cfg, pool.NewMemoryTokenLedger())
	require.NoError(t, err)
	clk := &clock{now: time.Unix(1_700_000_000, 0).UTC()}
	p.SetClock(clk.Now)
	require.NoError(t, p.RegisterRiskScores([]pool.RiskScore{testScore()}))

	if active {
		_, err = p.Invest(pool.Junior, mustAmount("18"))
		require.NoError(t, err)
		_, err = p.Invest(pool.Senior, mustAmount("72"))
		require.NoError(t, err)
		require.NoError(t, p.StartCycle(big.NewInt(100_000)))
	}

	auth, err := NewAuthenticator("secret", nil)
	require.NoError(t, err)
	store := storage.NewSnapshotStore(storage.NewMemDB())
	server := New(p, Options{Auth: auth, Store: store})
	return &fixture{server: server, pool: p, store: store, clock: clk}
}

func mustAmount(units string) *big.Int {
	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	v, ok := new(big.Int).SetString(units, 10)
	if !ok {
		panic("bad amount")
	}
	return v.Mul(v, wad)
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer secret")
	recorder := httptest.NewRecorder()
	f.server.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &out))
	return out
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	f.server.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "ok", recorder.Body.String())
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, false)

	req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	recorder := httptest.NewRecorder()
	f.server.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	recorder = httptest.NewRecorder()
	f.server.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = f.request(t, http.MethodGet, "/v1/pool", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestInvestEndpoint(t *testing.T) {
	f := newFixture(t, false)

	recorder := f.request(t, http.MethodPost, "/v1/invest", investRequest{Tranche: "junior", Amount: wadStr(18)})
	require.Equal(t, http.StatusOK, recorder.Code)
	resp := decodeBody[investResponse](t, recorder)
	require.Equal(t, wadStr(18), resp.Minted)
	require.Equal(t, "issuing", resp.Snapshot.State)
	require.Equal(t, wadStr(18), resp.Snapshot.Reserve)

	recorder = f.request(t, http.MethodPost, "/v1/invest", investRequest{Tranche: "bond", Amount: wadStr(1)})
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = f.request(t, http.MethodPost, "/v1/invest", investRequest{Tranche: "junior", Amount: "-5"})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestDrawdownRepayFlow(t *testing.T) {
	f := newFixture(t, true)

	recorder := f.request(t, http.MethodPost, "/v1/drawdown", drawdownRequest{
		Principal: wadStr(100),
		MaturesAt: f.clock.now.Add(365 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	drawn := decodeBody[drawdownResponse](t, recorder)
	require.NotEmpty(t, drawn.LoanID)
	require.Equal(t, wadStr(10), drawn.Snapshot.Reserve)
	require.Equal(t, 1, drawn.Snapshot.ActiveLoans)

	recorder = f.request(t, http.MethodGet, fmt.Sprintf("/v1/loans/%s", drawn.LoanID), nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	loan := decodeBody[loanPayload](t, recorder)
	require.Equal(t, wadStr(100), loan.Principal)
	require.False(t, loan.WrittenOff)

	recorder = f.request(t, http.MethodPost, "/v1/repay", repayRequest{
		Items: []repayItem{{LoanID: drawn.LoanID, Amount: wadStr(100)}},
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	repaid := decodeBody[repayResponse](t, recorder)
	require.Len(t, repaid.Settled, 1)
	require.Equal(t, 0, repaid.Snapshot.ActiveLoans)

	recorder = f.request(t, http.MethodGet, fmt.Sprintf("/v1/loans/%s", drawn.LoanID), nil)
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, false)

	// Drawdown before the cycle starts conflicts with the stage machine.
	recorder := f.request(t, http.MethodPost, "/v1/drawdown", drawdownRequest{
		Principal: wadStr(10),
		MaturesAt: f.clock.now.Add(365 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusConflict, recorder.Code)

	active := newFixture(t, true)
	// Redeeming more than the reserve can cover is unprocessable.
	recorder = active.request(t, http.MethodPost, "/v1/redeem", redeemRequest{Tranche: "senior", Tokens: wadStr(500)})
	require.Equal(t, http.StatusUnprocessableEntity, recorder.Code)

	// Repaying an unknown loan is not found.
	recorder = active.request(t, http.MethodPost, "/v1/repay", repayRequest{
		Items: []repayItem{{LoanID: "0b2cf04e-9be1-4fb9-8b6d-1f4b0a36a1bd", Amount: wadStr(1)}},
	})
	require.Equal(t, http.StatusNotFound, recorder.Code)

	// Malformed JSON is a bad request.
	req := httptest.NewRequest(http.MethodPost, "/v1/invest", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotPersistedOnMutation(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.store.Load("pool-1")
	require.ErrorIs(t, err, storage.ErrSnapshotNotFound)

	recorder := f.request(t, http.MethodPost, "/v1/invest", investRequest{Tranche: "junior", Amount: wadStr(18)})
	require.Equal(t, http.StatusOK, recorder.Code)

	persisted, err := f.store.Load("pool-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), persisted.Version)
	require.Equal(t, wadStr(18), persisted.Snapshot.Reserve.String())
}

func TestCycleEndpoints(t *testing.T) {
	f := newFixture(t, false)

	recorder := f.request(t, http.MethodPost, "/v1/invest", investRequest{Tranche: "junior", Amount: wadStr(90)})
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = f.request(t, http.MethodPost, "/v1/cycle/start", cycleStartRequest{SeniorRate: 100_000})
	require.Equal(t, http.StatusOK, recorder.Code)
	snapshot := decodeBody[snapshotPayload](t, recorder)
	require.Equal(t, "active", snapshot.State)

	recorder = f.request(t, http.MethodPost, "/v1/cycle/start", cycleStartRequest{SeniorRate: 100_000})
	require.Equal(t, http.StatusConflict, recorder.Code)

	recorder = f.request(t, http.MethodPost, "/v1/cycle/close", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	snapshot = decodeBody[snapshotPayload](t, recorder)
	require.Equal(t, "closed", snapshot.State)
}

func TestRebaseEndpoint(t *testing.T) {
	f := newFixture(t, true)

	recorder := f.request(t, http.MethodPost, "/v1/drawdown", drawdownRequest{
		Principal: wadStr(100),
		MaturesAt: f.clock.now.Add(365 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	f.clock.now = f.clock.now.Add(90 * 24 * time.Hour)
	recorder = f.request(t, http.MethodPost, "/v1/rebase", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	snapshot := decodeBody[snapshotPayload](t, recorder)

	nav, ok := new(big.Int).SetString(snapshot.NAV, 10)
	require.True(t, ok)
	require.Positive(t, nav.Cmp(mustAmount("80")), "book should accrue over 90 days")
}

func TestRateLimit(t *testing.T) {
	cfg := pool.Config{Currency: "USD", SalvageRate: big.NewInt(0)}
	p, err := pool.New("pool-1", cfg, pool.NewMemoryTokenLedger())
	require.NoError(t, err)
	auth, err := NewAuthenticator("secret", nil)
	require.NoError(t, err)
	server := New(p, Options{Auth: auth, Limiter: NewRateLimiter(1, 1)})

	first := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	first.Header.Set("Authorization", "Bearer secret")
	first.RemoteAddr = "10.0.0.1:1234"
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, first)
	require.Equal(t, http.StatusOK, recorder.Code)

	second := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	second.Header.Set("Authorization", "Bearer secret")
	second.RemoteAddr = "10.0.0.1:1234"
	recorder = httptest.NewRecorder()
	server.ServeHTTP(recorder, second)
	require.Equal(t, http.StatusTooManyRequests, recorder.Code)

	// A different client is unaffected.
	third := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	third.Header.Set("Authorization", "Bearer secret")
	third.RemoteAddr = "10.0.0.2:1234"
	recorder = httptest.NewRecorder()
	server.ServeHTTP(recorder, third)
	require.Equal(t, http.StatusOK, recorder.Code)
}
