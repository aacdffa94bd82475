package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/middlewares"
	"bitbucket.org/mmdatafocus/retailpos_backend/models"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
	"bitbucket.org/mmdatafocus/retailpos_backend/workflow"
)

const defaultPort = "8080"

var tracer = otel.Tracer("retailpos-backend")

// tracingMiddleware opens one span per request so the otelgorm callbacks have
// a parent to attach query spans to. The trace id is echoed back for support.
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Request.Method + " " + c.FullPath()
		ctx, span := tracer.Start(c.Request.Context(), name)
		defer span.End()
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			c.Writer.Header().Set("X-Trace-Id", sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// PubSubPushEnvelope is the body Google Pub/Sub sends on push subscriptions.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// errorStatus maps the domain sentinels onto HTTP codes so clients can
// distinguish a conflict from a validation failure without parsing messages.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrAlreadyPosted):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientAuthority):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidQuantity),
		errors.Is(err, models.ErrIncompleteCount),
		errors.Is(err, models.ErrIncidentRequired),
		errors.Is(err, models.ErrItemNotEligible),
		errors.Is(err, models.ErrDuplicateIncident),
		errors.Is(err, models.ErrUnresolvedItems):
		return http.StatusUnprocessableEntity
	case errors.Is(err, utils.ErrorRecordNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, name string) *int {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func strQuery(c *gin.Context, name string) *string {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return nil
	}
	return &v
}

func timeQuery(c *gin.Context, name string) *time.Time {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		// date-only filters are common from spreadsheets
		t, err = time.Parse("2006-01-02", v)
		if err != nil {
			return nil
		}
	}
	return &t
}

func pathID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

// ---- auth ----

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func meHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userId, _ := utils.GetUserIdFromContext(ctx)
		user, err := models.GetUser(ctx, userId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// ---- tenant setup ----

func createBusinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewBusiness
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		business, err := models.CreateBusiness(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, business)
	}
}

func getBusinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		business, err := models.GetBusiness(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, business)
	}
}

// ---- stock opnames ----

func createStockOpnameHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStockOpname
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opname, err := models.CreateStockOpname(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, opname)
	}
}

type stockOpnameResponse struct {
	*models.StockOpname
	Branch     *models.Branch     `json:"branch"`
	Warehouse  *models.Warehouse  `json:"warehouse"`
	Supervisor *models.User       `json:"supervisor"`
	Documents  []*models.Document `json:"documents"`
}

func getStockOpnameHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		opname, err := models.GetStockOpname(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		branch, _ := middlewares.GetBranch(ctx, opname.BranchId)
		warehouse, _ := middlewares.GetWarehouse(ctx, opname.WarehouseId)
		supervisor, _ := middlewares.GetLoadedUser(ctx, opname.SupervisorId)
		documents, _ := middlewares.GetOpnameDocuments(ctx, opname.ID)
		c.JSON(http.StatusOK, stockOpnameResponse{
			StockOpname: opname,
			Branch:      branch,
			Warehouse:   warehouse,
			Supervisor:  supervisor,
			Documents:   documents,
		})
	}
}

func paginateStockOpnamesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var currentStatus *models.StockOpnameStatus
		if v := strQuery(c, "status"); v != nil {
			status, err := models.ParseStockOpnameStatus(*v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			currentStatus = &status
		}
		conn, err := models.PaginateStockOpname(
			c.Request.Context(),
			intQuery(c, "limit"), strQuery(c, "after"),
			strQuery(c, "opname_number"),
			intQuery(c, "branch_id"), intQuery(c, "warehouse_id"),
			currentStatus,
			timeQuery(c, "start_date"), timeQuery(c, "end_date"),
		)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, conn)
	}
}

func getOpnameProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		progress, err := models.GetOpnameProgress(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, progress)
	}
}

func completeStockOpnameHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		opname, err := models.CompleteStockOpname(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, opname)
	}
}

func postStockOpnameHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		opname, err := models.PostStockOpname(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, opname)
	}
}

func opnameVarianceReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		file, err := models.BuildOpnameVarianceReport(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="opname-variance-%d.xlsx"`, id))
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		if err := file.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "server.go", "opnameVarianceReportHandler", "file.Write", id, err)
		}
	}
}

// ---- opname items ----

func recordPhysicalCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opnameId, ok := pathID(c, "id")
		if !ok {
			return
		}
		itemId, ok := pathID(c, "itemId")
		if !ok {
			return
		}
		var input models.NewPhysicalCount
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, err := models.RecordPhysicalCount(c.Request.Context(), opnameId, itemId, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func verifyOpnameItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opnameId, ok := pathID(c, "id")
		if !ok {
			return
		}
		itemId, ok := pathID(c, "itemId")
		if !ok {
			return
		}
		item, err := models.VerifyOpnameItem(c.Request.Context(), opnameId, itemId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func getOpnameItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opnameId, ok := pathID(c, "id")
		if !ok {
			return
		}
		itemId, ok := pathID(c, "itemId")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		item, err := models.GetOpnameItem(ctx, opnameId, itemId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		documents, _ := middlewares.GetOpnameItemDocuments(ctx, item.ID)
		c.JSON(http.StatusOK, opnameItemResponse{
			StockOpnameItem: item,
			Documents:       documents,
		})
	}
}

type opnameItemResponse struct {
	*models.StockOpnameItem
	Documents []*models.Document `json:"documents"`
}

func listOpnameItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opnameId, ok := pathID(c, "id")
		if !ok {
			return
		}
		var status *models.OpnameItemStatus
		if v := strQuery(c, "status"); v != nil {
			s, err := models.ParseOpnameItemStatus(*v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			status = &s
		}
		var category *models.VarianceCategory
		if v := strQuery(c, "category"); v != nil {
			cat, err := models.ParseVarianceCategory(*v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			category = &cat
		}
		ctx := c.Request.Context()
		items, err := models.ListOpnameItems(ctx, opnameId, status, category)
		if err != nil {
			abortWithError(c, err)
			return
		}
		// batch-load the counter names in one query
		counterIds := make([]int, 0, len(items))
		for _, item := range items {
			if item.CountedBy != 0 {
				counterIds = append(counterIds, item.CountedBy)
			}
		}
		counters, _ := middlewares.GetLoadedUsers(ctx, counterIds)
		counterByID := make(map[int]*models.User, len(counters))
		for _, u := range counters {
			if u != nil {
				counterByID[u.ID] = u
			}
		}
		resp := make([]listedOpnameItem, 0, len(items))
		for _, item := range items {
			resp = append(resp, listedOpnameItem{
				StockOpnameItem: item,
				CountedByUser:   counterByID[item.CountedBy],
			})
		}
		c.JSON(http.StatusOK, resp)
	}
}

type listedOpnameItem struct {
	*models.StockOpnameItem
	CountedByUser *models.User `json:"counted_by_user"`
}

// ---- variance incidents ----

func openVarianceIncidentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opnameId, ok := pathID(c, "id")
		if !ok {
			return
		}
		itemId, ok := pathID(c, "itemId")
		if !ok {
			return
		}
		var input models.NewVarianceIncident
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		incident, err := models.OpenVarianceIncident(c.Request.Context(), opnameId, itemId, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, incident)
	}
}

type incidentDecisionRequest struct {
	Comments string `json:"comments"`
	Reason   string `json:"reason"`
}

func approveVarianceIncidentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req incidentDecisionRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		incident, err := models.ApproveVarianceIncident(c.Request.Context(), id, req.Comments)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, incident)
	}
}

func rejectVarianceIncidentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req incidentDecisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		incident, err := models.RejectVarianceIncident(c.Request.Context(), id, req.Reason)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, incident)
	}
}

type varianceIncidentResponse struct {
	*models.VarianceIncident
	Responsible *models.User       `json:"responsible"`
	Documents   []*models.Document `json:"documents"`
}

func getVarianceIncidentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		incident, err := models.GetVarianceIncident(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		responsible, _ := middlewares.GetLoadedUser(ctx, incident.ResponsibleId)
		documents, _ := middlewares.GetIncidentDocuments(ctx, incident.ID)
		c.JSON(http.StatusOK, varianceIncidentResponse{
			VarianceIncident: incident,
			Responsible:      responsible,
			Documents:        documents,
		})
	}
}

func paginateVarianceIncidentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var currentStatus *models.VarianceIncidentStatus
		if v := strQuery(c, "status"); v != nil {
			s, err := models.ParseVarianceIncidentStatus(*v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			currentStatus = &s
		}
		var requiredTier *models.ApprovalTier
		if v := strQuery(c, "required_tier"); v != nil {
			tier, err := models.ParseApprovalTier(*v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			requiredTier = &tier
		}
		conn, err := models.PaginateVarianceIncidents(
			c.Request.Context(),
			intQuery(c, "limit"), strQuery(c, "after"),
			intQuery(c, "opname_id"),
			currentStatus, requiredTier,
		)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, conn)
	}
}

// ---- adjustment batches ----

type adjustmentLineResponse struct {
	*models.InventoryAdjustmentLine
	Product *models.Product `json:"product"`
}

type adjustmentBatchResponse struct {
	*models.InventoryAdjustmentBatch
	Lines []adjustmentLineResponse `json:"lines"`
}

func shapeAdjustmentBatch(ctx context.Context, batch *models.InventoryAdjustmentBatch) adjustmentBatchResponse {
	resp := adjustmentBatchResponse{InventoryAdjustmentBatch: batch}
	for i := range batch.Lines {
		line := &batch.Lines[i]
		product, _ := middlewares.GetProduct(ctx, line.ProductId)
		resp.Lines = append(resp.Lines, adjustmentLineResponse{
			InventoryAdjustmentLine: line,
			Product:                 product,
		})
	}
	return resp
}

func getAdjustmentBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		batch, err := models.GetAdjustmentBatch(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, shapeAdjustmentBatch(c.Request.Context(), batch))
	}
}

func getOpnameAdjustmentBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opnameId, ok := pathID(c, "id")
		if !ok {
			return
		}
		batch, err := models.GetAdjustmentBatchForOpname(c.Request.Context(), opnameId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, shapeAdjustmentBatch(c.Request.Context(), batch))
	}
}

func paginateAdjustmentBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := models.PaginateAdjustmentBatches(
			c.Request.Context(),
			intQuery(c, "limit"), strQuery(c, "after"),
			intQuery(c, "warehouse_id"),
		)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, conn)
	}
}

// ---- histories ----

func listHistoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		referenceType := strings.TrimSpace(c.Query("reference_type"))
		referenceId := intQuery(c, "reference_id")
		if referenceType == "" || referenceId == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reference_type and reference_id are required"})
			return
		}
		histories, err := models.GetHistories(c.Request.Context(), referenceType, *referenceId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, histories)
	}
}

// ---- pub/sub push ----

// stockLedgerPubSubHandler receives push deliveries for posted adjustment
// batches and applies them to the stock summaries.
func stockLedgerPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope PubSubPushEnvelope
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization; the workflow itself is
		// idempotent so duplicate deliveries are safe either way.
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "stockLedgerPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "server.go", "stockLedgerPubSubHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.PubSubMessage
		if err := json.Unmarshal(envelope.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "stockLedgerPubSubHandler", "Unmarshal pubsub message", envelope.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.BusinessId == "" || m.ReferenceType == "" {
			config.LogError(logger, "server.go", "stockLedgerPubSubHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("business_id/reference_type required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = envelope.Message.ID
		}

		var lock *redislock.Lock
		if redisLock != nil {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:%s", m.BusinessId), 30*time.Second, nil)
			if err != nil {
				// Not obtained or Redis down: continue, the DB side serializes safely.
				lock = nil
			}
		}
		defer func() {
			if lock != nil {
				_ = lock.Release(c.Request.Context())
			}
		}()

		ctx := context.WithValue(c.Request.Context(), utils.ContextKeyBusinessId, m.BusinessId)
		ctx = context.WithValue(ctx, utils.ContextKeyUserId, 0)
		ctx = context.WithValue(ctx, utils.ContextKeyUserName, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)

		db := config.GetDB()
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return workflow.ProcessStockLedgerWorkflow(tx, logger, &m)
		})
		if err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "stockLedgerPubSubHandler",
				"business_id":    m.BusinessId,
				"reference_type": m.ReferenceType,
				"reference_id":   m.ReferenceId,
				"message_id":     envelope.Message.ID,
				"correlation_id": correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// ---- ops tooling ----

func authorizeAdminOnly(ctx context.Context) error {
	isAdmin, ok := utils.GetIsAdminFromContext(ctx)
	if !ok || !isAdmin {
		return errors.New("unauthorized")
	}
	return nil
}

type outboxReplayRequest struct {
	BusinessId string `json:"business_id"`
	RecordId   int    `json:"record_id"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and record_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.LedgerMessageRecord{}).
			Where("id = ? AND business_id = ?", req.RecordId, req.BusinessId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id":     req.BusinessId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func registerRoutes(r *gin.Engine) {
	r.POST("/auth/login", loginHandler())
	r.POST("/businesses", createBusinessHandler())
	r.POST("/pubsub", stockLedgerPubSubHandler())

	api := r.Group("/api")
	api.Use(middlewares.RequireAuth())

	api.GET("/me", meHandler())
	api.GET("/business", getBusinessHandler())

	api.POST("/branches", func(c *gin.Context) { bindAndCreate(c, models.CreateBranch) })
	api.PUT("/branches/:id", func(c *gin.Context) { bindAndUpdate(c, models.UpdateBranch) })
	api.GET("/branches/:id", func(c *gin.Context) { getByID(c, models.GetBranch) })
	api.GET("/branches", func(c *gin.Context) { listAll(c, models.ListAllBranches) })

	api.POST("/warehouses", func(c *gin.Context) { bindAndCreate(c, models.CreateWarehouse) })
	api.PUT("/warehouses/:id", func(c *gin.Context) { bindAndUpdate(c, models.UpdateWarehouse) })
	api.GET("/warehouses/:id", func(c *gin.Context) { getByID(c, models.GetWarehouse) })
	api.GET("/warehouses", func(c *gin.Context) {
		warehouses, err := models.ListAllWarehouses(c.Request.Context(), intQuery(c, "branch_id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, warehouses)
	})
	api.GET("/warehouses/:id/stock", func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		stock, err := models.ListWarehouseStock(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, stock)
	})

	api.POST("/product-units", func(c *gin.Context) { bindAndCreate(c, models.CreateProductUnit) })
	api.GET("/product-units/:id", func(c *gin.Context) { getByID(c, models.GetProductUnit) })
	api.GET("/product-units", func(c *gin.Context) { listAll(c, models.ListAllProductUnits) })

	api.POST("/roles", func(c *gin.Context) { bindAndCreate(c, models.CreateRole) })
	api.PUT("/roles/:id", func(c *gin.Context) { bindAndUpdate(c, models.UpdateRole) })
	api.GET("/roles/:id", func(c *gin.Context) { getByID(c, models.GetRole) })
	api.GET("/roles", func(c *gin.Context) { listAll(c, models.ListAllRoles) })

	api.POST("/users", func(c *gin.Context) { bindAndCreate(c, models.CreateUser) })
	api.GET("/users/:id", func(c *gin.Context) { getByID(c, models.GetUser) })
	api.GET("/users", func(c *gin.Context) { listAll(c, models.ListAllUsers) })

	api.POST("/products", func(c *gin.Context) { bindAndCreate(c, models.CreateProduct) })
	api.PUT("/products/:id", func(c *gin.Context) { bindAndUpdate(c, models.UpdateProduct) })
	api.GET("/products/:id", func(c *gin.Context) { getByID(c, models.GetProduct) })
	api.GET("/products", func(c *gin.Context) {
		conn, err := models.PaginateProducts(
			c.Request.Context(),
			intQuery(c, "limit"), strQuery(c, "after"),
			strQuery(c, "name"), strQuery(c, "sku"),
		)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, conn)
	})

	api.POST("/stock-opnames", createStockOpnameHandler())
	api.GET("/stock-opnames", paginateStockOpnamesHandler())
	api.GET("/stock-opnames/:id", getStockOpnameHandler())
	api.GET("/stock-opnames/:id/progress", getOpnameProgressHandler())
	api.POST("/stock-opnames/:id/complete", completeStockOpnameHandler())
	api.POST("/stock-opnames/:id/post", postStockOpnameHandler())
	api.GET("/stock-opnames/:id/report.xlsx", opnameVarianceReportHandler())
	api.GET("/stock-opnames/:id/adjustment-batch", getOpnameAdjustmentBatchHandler())

	api.GET("/stock-opnames/:id/items", listOpnameItemsHandler())
	api.GET("/stock-opnames/:id/items/:itemId", getOpnameItemHandler())
	api.POST("/stock-opnames/:id/items/:itemId/count", recordPhysicalCountHandler())
	api.POST("/stock-opnames/:id/items/:itemId/verify", verifyOpnameItemHandler())
	api.POST("/stock-opnames/:id/items/:itemId/incidents", openVarianceIncidentHandler())

	api.GET("/variance-incidents", paginateVarianceIncidentsHandler())
	api.GET("/variance-incidents/:id", getVarianceIncidentHandler())
	api.POST("/variance-incidents/:id/approve", approveVarianceIncidentHandler())
	api.POST("/variance-incidents/:id/reject", rejectVarianceIncidentHandler())

	api.GET("/adjustment-batches", paginateAdjustmentBatchesHandler())
	api.GET("/adjustment-batches/:id", getAdjustmentBatchHandler())

	api.GET("/histories", listHistoriesHandler())

	api.POST("/uploads", uploadHandler())
	api.DELETE("/uploads", removeUploadHandler())

	// Ops tooling (admin only): replay outbox messages that were marked DEAD/FAILED.
	api.POST("/internal/ops/outbox/replay", outboxReplayHandler())

	r.NoRoute(customNotFoundHandler)
}

// bindAndCreate and friends cover the plain CRUD routes so each master-data
// model does not repeat the same twelve lines of handler.
func bindAndCreate[In any, Out any](c *gin.Context, create func(context.Context, *In) (*Out, error)) {
	var input In
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := create(c.Request.Context(), &input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func bindAndUpdate[In any, Out any](c *gin.Context, update func(context.Context, int, *In) (*Out, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var input In
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := update(c.Request.Context(), id, &input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func getByID[Out any](c *gin.Context, get func(context.Context, int) (*Out, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	result, err := get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func listAll[Out any](c *gin.Context, list func(context.Context) ([]*Out, error)) {
	results, err := list(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(tracingMiddleware())
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS
	// (comma-separated). In non-production, allow all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.LoaderMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	registerRoutes(r)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations
	// as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
