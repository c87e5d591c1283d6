package hipaa

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// EncryptionHandler exposes the encryption service and key management over HTTP.
type EncryptionHandler struct {
	svc *EncryptionService
}

// NewEncryptionHandler creates a handler for svc.
func NewEncryptionHandler(svc *EncryptionService) *EncryptionHandler {
	return &EncryptionHandler{svc: svc}
}

// RegisterRoutes registers crypto and key routes on the API group.
func (h *EncryptionHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/crypto/encrypt", h.HandleEncrypt)
	g.POST("/crypto/encrypt/batch", h.HandleBatchEncrypt)
	g.POST("/crypto/decrypt", h.HandleDecrypt)
	g.POST("/keys/:owner/rotate", h.HandleRotate)
	g.GET("/keys/:owner", h.HandleHistory)
}

type encryptRequest struct {
	Plaintext *string `json:"plaintext"`
	Owner     string  `json:"owner"`
}

type batchEncryptRequest struct {
	Records []*string `json:"records"`
	Owner   string    `json:"owner"`
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext"`
	KeyID      string `json:"key_id"`
}

// HandleEncrypt handles POST /crypto/encrypt.
func (h *EncryptionHandler) HandleEncrypt(c echo.Context) error {
	var req encryptRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, ErrInvalidInput)
	}
	out, err := h.svc.Encrypt(c.Request().Context(), req.Plaintext, req.Owner)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// HandleBatchEncrypt handles POST /crypto/encrypt/batch.
func (h *EncryptionHandler) HandleBatchEncrypt(c echo.Context) error {
	var req batchEncryptRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, ErrInvalidInput)
	}
	out, err := h.svc.BatchEncrypt(c.Request().Context(), req.Records, req.Owner)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"values": out})
}

// HandleDecrypt handles POST /crypto/decrypt.
func (h *EncryptionHandler) HandleDecrypt(c echo.Context) error {
	var req decryptRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, ErrInvalidInput)
	}
	plaintext, err := h.svc.Decrypt(c.Request().Context(), req.Ciphertext, req.KeyID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"plaintext": plaintext})
}

// HandleRotate handles POST /keys/:owner/rotate.
func (h *EncryptionHandler) HandleRotate(c echo.Context) error {
	id, err := h.svc.Rotate(c.Request().Context(), c.Param("owner"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"key_id": id})
}

// HandleHistory handles GET /keys/:owner.
func (h *EncryptionHandler) HandleHistory(c echo.Context) error {
	keys, err := h.svc.History(c.Request().Context(), c.Param("owner"))
	if err != nil {
		return respondError(c, err)
	}
	if keys == nil {
		keys = []*KeyRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"keys": keys, "total": len(keys)})
}
