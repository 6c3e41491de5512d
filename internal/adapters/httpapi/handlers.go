package httpapi

import (
	"errors"
	"net/http"
	"time"

	"fulfillment/internal/fulfillment"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/replay"
	"fulfillment/internal/tenancy"

	"github.com/gin-gonic/gin"
)

var errServerFailure = errors.New("server error")

type handler struct {
	service OrderService
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

type orderResponse struct {
	Order    *orders.Order `json:"order"`
	Replayed bool          `json:"replayed"`
}

type jobResponse struct {
	Job fulfillment.Job `json:"job"`
}

type rangeRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type statusRequest struct {
	Status string `json:"status"`
}

// createOrder returns 201 for a new order and 200 when the idempotency key
// replays an earlier one.
func (h *handler) createOrder(c *gin.Context) {
	var req orders.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_body", Message: err.Error()})
		return
	}
	out, err := h.service.CreateOrderIdempotent(c.Request.Context(), req, c.GetHeader(HeaderIdempotencyKey))
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusCreated
	if out.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, orderResponse{Order: out.Order, Replayed: out.Replayed})
}

func (h *handler) getOrder(c *gin.Context) {
	o, err := h.service.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderResponse{Order: o})
}

func (h *handler) getSaga(c *gin.Context) {
	st, err := h.service.GetSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"saga": gin.H{
			"id":          st.ID,
			"order_id":    st.OrderID,
			"step":        st.Step,
			"status":      st.Status,
			"retry_count": st.RetryCount,
			"max_retries": st.MaxRetries,
			"error":       st.Error,
			"timeout_at":  st.TimeoutAt,
			"updated_at":  st.UpdatedAt,
		},
	})
}

func (h *handler) consistency(c *gin.Context) {
	orderID := c.Param("id")
	problems, err := h.service.InspectOrder(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	if problems == nil {
		problems = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "consistent": len(problems) == 0, "problems": problems})
}

func (h *handler) replayOrder(c *gin.Context) {
	h.accepted(c)(h.service.ReplayOrderEvents(c.Request.Context(), c.Param("id")))
}

func (h *handler) recoverEvents(c *gin.Context) {
	h.accepted(c)(h.service.RecoverMissingEvents(c.Request.Context(), c.Param("id")))
}

func (h *handler) replayRange(c *gin.Context) {
	var req rangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_body", Message: err.Error()})
		return
	}
	h.accepted(c)(h.service.ReplayByDateRange(c.Request.Context(), req.Start, req.End))
}

func (h *handler) replayStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_body", Message: err.Error()})
		return
	}
	status, err := orders.ParseStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	h.accepted(c)(h.service.ReplayByStatus(c.Request.Context(), status))
}

func (h *handler) getJob(c *gin.Context) {
	job, err := h.service.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobResponse{Job: job})
}

func (h *handler) accepted(c *gin.Context) func(fulfillment.Job, error) {
	return func(job fulfillment.Job, err error) {
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header("Location", "/v1/replay/jobs/"+job.ID)
		c.JSON(http.StatusAccepted, jobResponse{Job: job})
	}
}

func writeError(c *gin.Context, err error) {
	var (
		validation *orders.ValidationError
		duplicate  *idempotency.DuplicateOrderError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, errorBody{Error: "validation_failed", Message: err.Error(), Field: validation.Field})
	case errors.Is(err, orders.ErrValidation), errors.Is(err, tenancy.ErrMissingCaller):
		c.JSON(http.StatusBadRequest, errorBody{Error: "validation_failed", Message: err.Error()})
	case errors.As(err, &duplicate):
		c.JSON(http.StatusConflict, errorBody{Error: "duplicate_order", Message: err.Error(), OrderID: duplicate.OrderID})
	case errors.Is(err, idempotency.ErrDuplicateOperation):
		c.JSON(http.StatusConflict, errorBody{Error: "operation_in_progress", Message: err.Error()})
	case errors.Is(err, orders.ErrOrderNotFound), errors.Is(err, saga.ErrSagaNotFound), errors.Is(err, fulfillment.ErrJobNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, replay.ErrInconsistentOrder):
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: "inconsistent_order", Message: err.Error()})
	case errors.Is(err, orders.ErrCollaboratorUnavailable), orders.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal", Message: err.Error()})
	}
}
