package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/pind/internal/middleware"
	"github.com/hitoshi/pind/internal/model"
)

const (
	// maxExportBodyBytes はエクスポートリクエストボディの上限。
	maxExportBodyBytes = 2 << 20
	// maxExportPoints は1回のエクスポートで受け付ける地点数の上限。
	maxExportPoints = 2000
)

// ExportService はエクスポートハンドラーが必要とするコーディネーターのインターフェース。
type ExportService interface {
	ExportAsync(ctx context.Context, points []model.Point, listName string) error
	Cancel() bool
	Status() model.ExportStatus
}

// HistoryLister はエクスポート履歴を取得するインターフェース。
type HistoryLister interface {
	ListRecent(ctx context.Context, limit int) ([]model.ExportRecord, error)
}

// ExportHandler はエクスポート関連のHTTPハンドラー。
type ExportHandler struct {
	exports ExportService
	history HistoryLister
	logger  *slog.Logger
}

// NewExportHandler はExportHandlerを生成する。
func NewExportHandler(exports ExportService, history HistoryLister, logger *slog.Logger) *ExportHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportHandler{exports: exports, history: history, logger: logger}
}

// historyResponse はエクスポート履歴一覧のレスポンス。
type historyResponse struct {
	Exports []model.ExportRecord `json:"exports"`
}

// Start はエクスポートを開始する。
// POST /api/exports
// 開始した場合は202で現在の状態を返す。地点が空の場合は204、実行中の場合は409。
func (h *ExportHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req model.ExportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExportBodyBytes)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return
	}
	if err := validatePoints(req.Points); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}
	if len(req.Points) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// エクスポートはリクエスト終了後も継続する
	err := h.exports.ExportAsync(context.WithoutCancel(r.Context()), req.Points, req.ListName)
	if errors.Is(err, model.ErrExportInProgress) {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewExportInProgressError())
		return
	}
	if err != nil {
		h.logger.Error("failed to start export", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.logger.Info("export accepted",
		slog.Int("points", len(req.Points)),
		slog.Bool("named", req.ListName != ""),
	)
	middleware.WriteJSON(w, http.StatusAccepted, h.exports.Status())
}

// Current は現在のエクスポート状態を返す。
// GET /api/exports/current
func (h *ExportHandler) Current(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.exports.Status())
}

// Cancel は実行中のエクスポートを中断する。
// DELETE /api/exports/current
func (h *ExportHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.exports.Cancel() {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewNoExportError())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// History は最近のエクスポート履歴を返す。
// GET /api/exports?limit=n
func (h *ExportHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := h.history.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list export history", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if records == nil {
		records = []model.ExportRecord{}
	}
	middleware.WriteJSON(w, http.StatusOK, historyResponse{Exports: records})
}

// validatePoints は地点の形式を検証する。
func validatePoints(points []model.Point) error {
	if len(points) > maxExportPoints {
		return fmt.Errorf("too many points (max %d)", maxExportPoints)
	}
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("points[%d].id is required", i)
		}
		c := p.Coordinates
		if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
			return fmt.Errorf("points[%d].coordinates out of range", i)
		}
	}
	return nil
}
