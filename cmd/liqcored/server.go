package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"liqcore/modcache"
	"liqcore/query"
	"liqcore/valuation"
)

type server struct {
	cache       *modcache.Cache
	queries     *query.Service
	valuer      *valuation.Engine
	directory   *chainDirectory
	degradation valuation.DegradationConfig
	limiter     *rate.Limiter
	logger      *slog.Logger
}

func newServer(cache *modcache.Cache, queries *query.Service, valuer *valuation.Engine, directory *chainDirectory, degradation valuation.DegradationConfig, perSecond int, logger *slog.Logger) *server {
	return &server{
		cache:       cache,
		queries:     queries,
		valuer:      valuer,
		directory:   directory,
		degradation: degradation,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), perSecond),
		logger:      logger,
	}
}

func (s *server) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.throttle)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/modules", s.listModules)
		v1.Post("/modules", s.registerModule)
		v1.Delete("/modules/{key}", s.removeModule)

		v1.Post("/health-factors", s.healthFactors)
		v1.Post("/risk-scores", s.riskScores)
		v1.Post("/liquidatable", s.liquidatableFlags)
		v1.Post("/seizable", s.seizableAmounts)
		v1.Post("/reducible", s.reducibleAmounts)

		v1.Post("/value", s.valueCollateral)
		v1.Get("/price-source/{asset}", s.checkPriceSource)
	})
	return r
}

func (s *server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type moduleEntry struct {
	Key     string `json:"key"`
	Address string `json:"address"`
	Version uint64 `json:"version"`
}

func (s *server) listModules(w http.ResponseWriter, r *http.Request) {
	keys := s.cache.Keys()
	out := make([]moduleEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := s.cache.Snapshot(key)
		if err != nil {
			continue
		}
		out = append(out, moduleEntry{
			Key:     entry.Key,
			Address: entry.Address.Hex(),
			Version: entry.Version,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"modules":       out,
		"globalVersion": s.cache.GlobalVersion(),
	})
}

type registerRequest struct {
	Key     string `json:"key"`
	Address string `json:"address"`
	Caller  string `json:"caller"`
}

func (s *server) registerModule(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, ok := parseAddress(req.Address)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid address"))
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid caller"))
		return
	}
	if err := s.cache.Set(req.Key, addr, caller); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("module registered", "key", req.Key, "address", addr.Hex())
	writeJSON(w, http.StatusOK, map[string]uint64{"globalVersion": s.cache.GlobalVersion()})
}

func (s *server) removeModule(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	caller, ok := parseAddress(r.URL.Query().Get("caller"))
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid caller"))
		return
	}
	if err := s.cache.Remove(key, caller); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("module removed", "key", key)
	writeJSON(w, http.StatusOK, map[string]uint64{"globalVersion": s.cache.GlobalVersion()})
}

type usersRequest struct {
	Users []string `json:"users"`
}

type pairsRequest struct {
	Users  []string `json:"users"`
	Assets []string `json:"assets"`
}

func (s *server) healthFactors(w http.ResponseWriter, r *http.Request) {
	users, ok := decodeUsers(w, r)
	if !ok {
		return
	}
	factors, err := s.queries.HealthFactors(users)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"healthFactors": bigStrings(factors)})
}

func (s *server) riskScores(w http.ResponseWriter, r *http.Request) {
	users, ok := decodeUsers(w, r)
	if !ok {
		return
	}
	scores, err := s.queries.RiskScores(users)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]uint64{"riskScores": scores})
}

func (s *server) liquidatableFlags(w http.ResponseWriter, r *http.Request) {
	users, ok := decodeUsers(w, r)
	if !ok {
		return
	}
	flags, err := s.queries.LiquidatableFlags(users)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]bool{"liquidatable": flags})
}

func (s *server) seizableAmounts(w http.ResponseWriter, r *http.Request) {
	users, assets, ok := decodePairs(w, r)
	if !ok {
		return
	}
	amounts, err := s.queries.SeizableAmounts(users, assets)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"seizable": bigStrings(amounts)})
}

func (s *server) reducibleAmounts(w http.ResponseWriter, r *http.Request) {
	users, assets, ok := decodePairs(w, r)
	if !ok {
		return
	}
	amounts, err := s.queries.ReducibleAmounts(users, assets)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"reducible": bigStrings(amounts)})
}

type valueRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *server) valueCollateral(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, ok := parseAddress(req.Asset)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid asset"))
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() < 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid amount"))
		return
	}
	source, err := s.priceSource()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	result, err := s.valuer.Value(asset, amount, source, s.degradation)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"value":        result.Value.String(),
		"usedFallback": result.UsedFallback,
		"reason":       result.Reason,
	})
}

func (s *server) checkPriceSource(w http.ResponseWriter, r *http.Request) {
	asset, ok := parseAddress(chi.URLParam(r, "asset"))
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid asset"))
		return
	}
	source, err := s.priceSource()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	healthy, detail := s.valuer.CheckPriceSource(asset, source)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy": healthy,
		"detail":  detail,
	})
}

func (s *server) priceSource() (valuation.PriceSource, error) {
	addr, err := s.cache.Resolve(modcache.KeyPriceOracle)
	if err != nil {
		return nil, err
	}
	return s.directory.PriceSource(addr), nil
}

func decodeUsers(w http.ResponseWriter, r *http.Request) ([]common.Address, bool) {
	var req usersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	users, ok := parseAddresses(req.Users)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid user address"))
		return nil, false
	}
	return users, true
}

func decodePairs(w http.ResponseWriter, r *http.Request) ([]common.Address, []common.Address, bool) {
	var req pairsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, nil, false
	}
	users, ok := parseAddresses(req.Users)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid user address"))
		return nil, nil, false
	}
	assets, ok := parseAddresses(req.Assets)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid asset address"))
		return nil, nil, false
	}
	return users, assets, true
}

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseAddresses(raw []string) ([]common.Address, bool) {
	out := make([]common.Address, len(raw))
	for i, entry := range raw {
		addr, ok := parseAddress(entry)
		if !ok {
			return nil, false
		}
		out[i] = addr
	}
	return out, true
}

func bigStrings(values []*big.Int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		if v == nil {
			out[i] = "0"
			continue
		}
		out[i] = v.String()
	}
	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrBatchTooLarge),
		errors.Is(err, query.ErrLengthMismatch),
		errors.Is(err, modcache.ErrEmptyKey),
		errors.Is(err, modcache.ErrZeroAddress),
		errors.Is(err, modcache.ErrSameAddress),
		errors.Is(err, valuation.ErrZeroAsset):
		return http.StatusBadRequest
	case errors.Is(err, modcache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, modcache.ErrUnauthorizedCall):
		return http.StatusForbidden
	case errors.Is(err, modcache.ErrRegistryUnset), errors.Is(err, modcache.ErrExpired):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
