package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// signatureHeader carries the hex HMAC-SHA256 of the raw request body.
const signatureHeader = "x-payload-hash"

// VerifySignature checks an HMAC-SHA256 hex digest of payload against
// signature. An empty secret disables verification.
func VerifySignature(secret string, payload []byte, signature string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Handler returns the gin handler for inbound deposit events.
func Handler(ingestor *Ingestor, secret string, logger *zap.Logger) gin.HandlerFunc {
	if secret == "" {
		logger.Warn("webhook signature verification disabled, no secret configured")
	}
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		if !VerifySignature(secret, body, c.GetHeader(signatureHeader)) {
			logger.Warn("webhook signature mismatch", zap.String("remote", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		var event Event
		if err := json.Unmarshal(body, &event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
			return
		}
		if event.TxHash == "" || event.ToAddress == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing txId or to address"})
			return
		}

		result, err := ingestor.Process(c.Request.Context(), event, string(body))
		if err != nil {
			logger.Error("webhook processing failed", zap.Error(err), zap.String("tx_hash", event.TxHash))
			// 5xx so the upstream source redelivers
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
