package parties

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/validation"
)

// Handler exposes the parties resource over HTTP. Every call is
// acknowledged at once; the outcome arrives later as a callback.
type Handler struct {
	service *Service
}

// NewHandler creates a new parties handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up parties routes
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/parties/:Type/:ID", h.GetParties)
	r.GET("/parties/:Type/:ID/:SubId", h.GetParties)
	r.PUT("/parties/:Type/:ID", h.PutParties)
	r.PUT("/parties/:Type/:ID/:SubId", h.PutParties)
	r.PUT("/parties/:Type/:ID/:SubId/error", h.PutPartiesError)
}

// GetParties handles GET /parties/:Type/:ID[/:SubId]
func (h *Handler) GetParties(c *gin.Context) {
	req, ok := h.bind(c, false, false)
	if !ok {
		return
	}
	if err := h.service.SubmitGet(c.Request.Context(), req); err != nil {
		unavailable(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// PutParties handles PUT /parties/:Type/:ID[/:SubId]. The sub-id slot also
// matches the "error" suffix of PUT /parties/:Type/:ID/error.
func (h *Handler) PutParties(c *gin.Context) {
	if c.Param("SubId") == "error" {
		h.PutPartiesError(c)
		return
	}
	req, ok := h.bind(c, true, true)
	if !ok {
		return
	}
	if err := h.service.SubmitPut(c.Request.Context(), req); err != nil {
		unavailable(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// PutPartiesError handles PUT /parties/:Type/:ID[/:SubId]/error
func (h *Handler) PutPartiesError(c *gin.Context) {
	req, ok := h.bind(c, true, true)
	if !ok {
		return
	}
	if err := h.service.SubmitPutError(c.Request.Context(), req); err != nil {
		unavailable(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) bind(c *gin.Context, isCallback, withBody bool) (Request, bool) {
	params, errs := validation.PartyParams(c)
	errs = append(errs, validation.Headers(c.Request.Header, isCallback)...)
	if len(errs) > 0 {
		validation.Abort(c, errs)
		return Request{}, false
	}
	if c.Param("SubId") == "error" {
		params.SubID = ""
	}

	req := Request{Header: c.Request.Header.Clone(), Params: params}
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

func unavailable(c *gin.Context, err error) {
	fe := fspiop.WrapError(fspiop.ErrServiceUnavailable, "switch is shutting down", err)
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, fspiop.ErrorInformationObject{ErrorInformation: fe.Information()})
}
