package settlement

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/bridge-settlement/pkg/app/errors"
	apphttp "github.com/chainsafe/bridge-settlement/pkg/app/http"
	"github.com/chainsafe/bridge-settlement/pkg/config"
	"github.com/chainsafe/bridge-settlement/pkg/db"
)

const defaultRequestTimeout = 60 * time.Second

type watcherStatus struct {
	Name      string `json:"name"`
	Chain     string `json:"chain"`
	Token     string `json:"token"`
	State     string `json:"state"`
	DryMode   bool   `json:"dryMode"`
	PauseMode bool   `json:"pauseMode"`
}

// watcherSelector picks watchers by chain slug and token symbol. Empty
// fields match all.
type watcherSelector struct {
	Chain string `json:"chain"`
	Token string `json:"token"`
}

func (s watcherSelector) match(w managedWatcher) bool {
	if s.Chain != "" && !strings.EqualFold(s.Chain, w.ChainSlug()) {
		return false
	}
	if s.Token != "" && !strings.EqualFold(s.Token, w.TokenSymbol()) {
		return false
	}
	return true
}

type handler struct {
	node   *node
	logger *zap.Logger
}

func newRouter(n *node, cfg *config.Config, logger *zap.Logger) http.Handler {
	h := &handler{node: n, logger: logger}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(apphttp.RequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !n.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/transfers", apphttp.HandleError(logger, h.getTransfers))
		r.Get("/transfers/{id}", apphttp.HandleError(logger, h.getTransfer))
		r.Get("/transfer-roots/{hash}", apphttp.HandleError(logger, h.getTransferRoot))
		r.Get("/pending", apphttp.HandleError(logger, h.getPending))
		r.Get("/watchers", apphttp.HandleError(logger, h.getWatchers))
		r.Post("/watchers/pause", apphttp.HandleError(logger, h.setPauseMode(true)))
		r.Post("/watchers/resume", apphttp.HandleError(logger, h.setPauseMode(false)))
	})

	return r
}

// tokenDB resolves the token query parameter. It may be omitted when a
// single token is configured.
func (h *handler) tokenDB(r *http.Request) (*db.DB, error) {
	symbol := strings.ToUpper(r.URL.Query().Get("token"))
	if symbol == "" {
		if len(h.node.tokens) != 1 {
			return nil, apperrors.BadRequestError(nil, "token is required")
		}
		for _, tn := range h.node.tokens {
			return tn.db, nil
		}
	}
	tn, ok := h.node.tokens[symbol]
	if !ok {
		return nil, apperrors.ResourceNotFoundError(nil, "unknown token "+symbol)
	}
	return tn.db, nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, apperrors.BadRequestError(err, "invalid "+name)
	}
	return v, nil
}

func (h *handler) getTransfers(w http.ResponseWriter, r *http.Request) error {
	store, err := h.tokenDB(r)
	if err != nil {
		return err
	}
	from, err := queryInt64(r, "from")
	if err != nil {
		return err
	}
	to, err := queryInt64(r, "to")
	if err != nil {
		return err
	}
	if to != 0 && from > to {
		return apperrors.BadRequestError(nil, "from is after to")
	}

	// without bounds, list every transfer including those not yet timestamped
	var filter *db.TransfersDateFilter
	if from != 0 || to != 0 {
		filter = &db.TransfersDateFilter{FromUnix: from, ToUnix: to}
	}
	transfers, err := store.Transfers.GetTransfers(filter)
	if err != nil {
		return apperrors.GeneralError(err)
	}
	return apphttp.WriteJSON(w, http.StatusOK, map[string]any{"transfers": transfers})
}

func (h *handler) getTransfer(w http.ResponseWriter, r *http.Request) error {
	store, err := h.tokenDB(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "id")
	transfer, err := store.Transfers.GetByTransferID(id)
	if err != nil {
		return apperrors.GeneralError(err)
	}
	if transfer == nil {
		return apperrors.ResourceNotFoundError(nil, "transfer not found")
	}
	return apphttp.WriteJSON(w, http.StatusOK, transfer)
}

func (h *handler) getTransferRoot(w http.ResponseWriter, r *http.Request) error {
	store, err := h.tokenDB(r)
	if err != nil {
		return err
	}
	hash := chi.URLParam(r, "hash")
	root, err := store.TransferRoots.GetByTransferRootHash(hash)
	if err != nil {
		return apperrors.GeneralError(err)
	}
	if root == nil {
		return apperrors.ResourceNotFoundError(nil, "transfer root not found")
	}
	return apphttp.WriteJSON(w, http.StatusOK, map[string]any{
		"transferRoot": root,
		"state":        root.State(),
	})
}

func (h *handler) getPending(w http.ResponseWriter, r *http.Request) error {
	store, err := h.tokenDB(r)
	if err != nil {
		return err
	}
	source, err := queryInt64(r, "source")
	if err != nil {
		return err
	}
	destination, err := queryInt64(r, "destination")
	if err != nil {
		return err
	}
	filter := db.TransfersFilter{SourceChainID: source, DestinationChainID: destination}

	incomplete, err := store.Transfers.GetIncompleteItems(filter)
	if err != nil {
		return apperrors.GeneralError(err)
	}
	unbonded, err := store.Transfers.GetUnbondedSentTransfers(filter)
	if err != nil {
		return apperrors.GeneralError(err)
	}
	roots, err := store.TransferRoots.GetUnbondedTransferRoots(db.TransferRootsFilter{SourceChainID: source})
	if err != nil {
		return apperrors.GeneralError(err)
	}
	return apphttp.WriteJSON(w, http.StatusOK, map[string]any{
		"incompleteTransfers":   incomplete,
		"unbondedTransfers":     unbonded,
		"unbondedTransferRoots": roots,
	})
}

func (h *handler) statuses(sel watcherSelector) []watcherStatus {
	out := make([]watcherStatus, 0)
	for _, w := range h.node.allWatchers() {
		if !sel.match(w) {
			continue
		}
		out = append(out, watcherStatus{
			Name:      w.Name(),
			Chain:     w.ChainSlug(),
			Token:     w.TokenSymbol(),
			State:     w.State().String(),
			DryMode:   w.DryMode(),
			PauseMode: w.PauseMode(),
		})
	}
	return out
}

func (h *handler) getWatchers(w http.ResponseWriter, r *http.Request) error {
	sel := watcherSelector{
		Chain: r.URL.Query().Get("chain"),
		Token: r.URL.Query().Get("token"),
	}
	return apphttp.WriteJSON(w, http.StatusOK, map[string]any{"watchers": h.statuses(sel)})
}

func (h *handler) setPauseMode(paused bool) apphttp.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		var sel watcherSelector
		if err := json.NewDecoder(r.Body).Decode(&sel); err != nil && !errors.Is(err, io.EOF) {
			return apperrors.BadRequestError(err, "invalid watcher selector")
		}

		matched := 0
		for _, wt := range h.node.allWatchers() {
			if sel.match(wt) {
				wt.SetPauseMode(paused)
				matched++
			}
		}
		if matched == 0 {
			return apperrors.ResourceNotFoundError(nil, "no watcher matches")
		}
		h.logger.Info("Pause mode changed",
			zap.Bool("paused", paused),
			zap.String("chain", sel.Chain),
			zap.String("token", sel.Token),
			zap.Int("watchers", matched),
		)
		return apphttp.WriteJSON(w, http.StatusOK, map[string]any{"watchers": h.statuses(sel)})
	}
}
