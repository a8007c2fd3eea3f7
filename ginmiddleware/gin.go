// Package ginmiddleware applies dual scope admission control to gin routers.
package ginmiddleware

import (
	"github.com/aryangodara/dual_scope_limiter"
	"github.com/gin-gonic/gin"
)

// Admission creates a gin handler performing admission control with config.
//
// Denied and rejected requests are answered and aborted, so no later handler in
// the chain runs for them.
//
//	router := gin.New()
//	router.Use(ginmiddleware.Admission(&dual_scope_limiter.AdmissionConfig{Limiter: limiter}))
func Admission(config *dual_scope_limiter.AdmissionConfig) gin.HandlerFunc {
	admission := dual_scope_limiter.NewAdmission(config)

	return func(c *gin.Context) {
		if !admission.Admit(c.Writer, c.Request) {
			c.Abort()
			return
		}
		c.Next()
	}
}
