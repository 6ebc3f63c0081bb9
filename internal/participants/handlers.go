package participants

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/validation"
)

// MaxBatchSize bounds the party list of one POST /participants.
const MaxBatchSize = 10000

// Handler exposes the participants resource over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new participants handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up participants routes
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/participants", h.PostBatch)

	r.GET("/participants/:Type/:ID", h.GetParticipants)
	r.GET("/participants/:Type/:ID/:SubId", h.GetParticipants)
	r.POST("/participants/:Type/:ID", h.PostParticipants)
	r.POST("/participants/:Type/:ID/:SubId", h.PostParticipants)
	r.PUT("/participants/:Type/:ID", h.PutParticipants)
	r.PUT("/participants/:Type/:ID/:SubId", h.PutParticipants)
	r.PUT("/participants/:Type/:ID/:SubId/error", h.PutParticipantsError)
	r.DELETE("/participants/:Type/:ID", h.DeleteParticipants)
	r.DELETE("/participants/:Type/:ID/:SubId", h.DeleteParticipants)
}

// GetParticipants handles GET /participants/:Type/:ID[/:SubId]
func (h *Handler) GetParticipants(c *gin.Context) {
	req, ok := h.bind(c, false, false)
	if !ok {
		return
	}
	h.accepted(c, h.service.SubmitGet(c.Request.Context(), req), http.StatusAccepted)
}

// PostParticipants handles POST /participants/:Type/:ID[/:SubId]
func (h *Handler) PostParticipants(c *gin.Context) {
	req, ok := h.bind(c, false, true)
	if !ok {
		return
	}
	h.accepted(c, h.service.SubmitPost(c.Request.Context(), req), http.StatusAccepted)
}

// PutParticipants handles PUT /participants/:Type/:ID[/:SubId]. The
// sub-id slot also matches the "error" suffix.
func (h *Handler) PutParticipants(c *gin.Context) {
	if c.Param("SubId") == "error" {
		h.PutParticipantsError(c)
		return
	}
	req, ok := h.bind(c, false, true)
	if !ok {
		return
	}
	h.accepted(c, h.service.SubmitPut(c.Request.Context(), req), http.StatusOK)
}

// PutParticipantsError handles PUT /participants/:Type/:ID[/:SubId]/error
func (h *Handler) PutParticipantsError(c *gin.Context) {
	req, ok := h.bind(c, true, true)
	if !ok {
		return
	}
	h.accepted(c, h.service.SubmitPutError(c.Request.Context(), req), http.StatusOK)
}

// DeleteParticipants handles DELETE /participants/:Type/:ID[/:SubId]
func (h *Handler) DeleteParticipants(c *gin.Context) {
	req, ok := h.bind(c, false, false)
	if !ok {
		return
	}
	h.accepted(c, h.service.SubmitDelete(c.Request.Context(), req), http.StatusAccepted)
}

// PostBatch handles POST /participants
func (h *Handler) PostBatch(c *gin.Context) {
	errs := validation.Headers(c.Request.Header, false)
	if len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	var body BatchBody
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		validation.Abort(c, validation.ValidationErrors{{
			Field: "body", Message: "invalid JSON", Code: fspiop.ErrMalformedSyntax,
		}})
		return
	}
	errs = validation.Validate(
		validation.Required("requestId", body.RequestID),
		validation.MaxLength("requestId", body.RequestID, validation.MaxIDLength),
		validation.ValidCurrency("currency", body.Currency),
		func() *validation.ValidationError {
			switch {
			case len(body.PartyList) == 0:
				return &validation.ValidationError{Field: "partyList", Message: "is required", Code: fspiop.ErrMissingElement}
			case len(body.PartyList) > MaxBatchSize:
				return &validation.ValidationError{Field: "partyList", Message: "too many parties", Code: fspiop.ErrMalformedSyntax}
			}
			return nil
		},
	)
	if len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	req := BatchRequest{Header: c.Request.Header.Clone(), Body: body}
	h.accepted(c, h.service.SubmitBatch(c.Request.Context(), req), http.StatusAccepted)
}

func (h *Handler) bind(c *gin.Context, isCallback, withBody bool) (Request, bool) {
	params, errs := validation.PartyParams(c)
	currency := c.Query("currency")
	errs = append(errs, validation.Validate(validation.ValidCurrency("currency", currency))...)
	errs = append(errs, validation.Headers(c.Request.Header, isCallback)...)
	if len(errs) > 0 {
		validation.Abort(c, errs)
		return Request{}, false
	}
	if c.Param("SubId") == "error" {
		params.SubID = ""
	}

	req := Request{Header: c.Request.Header.Clone(), Params: params, Currency: currency}
	if withBody {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil || len(body) == 0 {
			validation.Abort(c, validation.ValidationErrors{{
				Field: "body", Message: "is required", Code: fspiop.ErrMalformedSyntax,
			}})
			return Request{}, false
		}
		req.Body = body
	}
	return req, true
}

func (h *Handler) accepted(c *gin.Context, err error, status int) {
	if err != nil {
		fe := fspiop.WrapError(fspiop.ErrServiceUnavailable, "switch is shutting down", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, fspiop.ErrorInformationObject{ErrorInformation: fe.Information()})
		return
	}
	c.Status(status)
}
