package server

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/deidentify/internal/anonymizer"
	"github.com/ehr/deidentify/internal/fhir"
	"github.com/ehr/deidentify/internal/platform/auth"
)

const fhirJSONContentType = "application/fhir+json"

// Handler serves the de-identification operations. The de-identify engine
// applies the configured rules forward; the de-pseudonymize engine reverses
// pseudonyms and encrypted values and is gated behind the API key.
type Handler struct {
	deidentify     *anonymizer.Engine
	depseudonymize *anonymizer.Engine
	apiKey         string
	logger         zerolog.Logger
}

func NewHandler(deidentify, depseudonymize *anonymizer.Engine, apiKey string, logger zerolog.Logger) *Handler {
	return &Handler{
		deidentify:     deidentify,
		depseudonymize: depseudonymize,
		apiKey:         apiKey,
		logger:         logger,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	fhirGroup := e.Group("/fhir")
	fhirGroup.POST("/$de-identify", h.DeIdentify)
	fhirGroup.POST("/$de-pseudonymize", h.DePseudonymize, auth.RequireAPIKey(h.apiKey))

	e.GET("/health", h.Health)
	e.GET("/health/live", h.Health)
	e.GET("/health/ready", h.Health)
}

// DeIdentify handles POST /fhir/$de-identify.
func (h *Handler) DeIdentify(c echo.Context) error {
	return h.process(c, h.deidentify)
}

// DePseudonymize handles POST /fhir/$de-pseudonymize.
func (h *Handler) DePseudonymize(c echo.Context) error {
	return h.process(c, h.depseudonymize)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) process(c echo.Context, engine *anonymizer.Engine) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("reading request body failed"))
	}
	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("request body is required"))
	}

	resource, dynamic, err := unwrapRequest(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid FHIR resource: "+err.Error()))
	}

	root, err := fhir.Parse(resource)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	if err := engine.AnonymizeNode(c.Request().Context(), root, dynamic); err != nil {
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().
			Err(err).
			Str("request_id", rid).
			Str("resource_type", root.Type).
			Msg("processing resource failed")
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("processing the resource failed"))
	}

	out, err := fhir.Serialize(root)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("serializing the result failed"))
	}
	return c.Blob(http.StatusOK, fhirJSONContentType, out)
}
