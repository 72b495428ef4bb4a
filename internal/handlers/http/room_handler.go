package http

import (
	"net/http"
	"time"

	"couchsync/internal/core/domain"
	"couchsync/internal/core/ports"
	apperrors "couchsync/pkg/errors"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	rooms ports.RoomService
}

func NewRoomHandler(rooms ports.RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms/:id", h.GetRoom)
	}
}

type RoomResponse struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
	HostID      string        `json:"hostId"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// GetRoom exposes room occupancy for debugging and lobby UIs. Participant
// ids are not listed; only the host id, which peers already learn through
// the session.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), domain.RoomID(c.Param("id")))
	if err != nil {
		appErr := apperrors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}

	c.JSON(http.StatusOK, RoomResponse{
		ID:          room.ID,
		MemberCount: len(room.Members),
		HostID:      string(room.HostID),
		CreatedAt:   room.CreatedAt,
	})
}
