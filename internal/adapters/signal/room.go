package signal

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleRooms lists open rooms with their member counts.
func (ctl *SignalWSController) HandleRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": ctl.Hub.Rooms.List()})
}
