package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beacon/internal/app"
	"github.com/dkeye/Beacon/internal/domain"
)

type registerRequest struct {
	Username string `json:"username"`
}

// registerClient reserves a username. Registration is strictly a name
// reservation: a 200 here grants nothing but the right to open a socket
// under that name.
func registerClient(reg *app.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Username is required"})
			return
		}

		err := reg.Register(domain.Username(req.Username))
		switch {
		case errors.Is(err, domain.ErrUsernameEmpty):
			c.JSON(http.StatusBadRequest, gin.H{"message": "Username is required"})
		case errors.Is(err, domain.ErrUsernameTooLong):
			c.JSON(http.StatusBadRequest, gin.H{"message": "Username too long"})
		case errors.Is(err, app.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"message": "Username already exists"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
		default:
			log.Info().Str("module", "adapters.http").Str("username", req.Username).Msg("new client registered")
			c.JSON(http.StatusOK, gin.H{"message": "Client added successfully"})
		}
	}
}
