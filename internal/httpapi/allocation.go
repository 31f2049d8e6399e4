package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AllocatePeriodicTokens runs one free-tier allocation batch.
func (h Handlers) AllocatePeriodicTokens(c *gin.Context) {
	sum, err := h.Allocator.Run(c.Request.Context(), h.now())
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			_ = c.Error(err)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": sum.Message(), "summary": sum})
}
