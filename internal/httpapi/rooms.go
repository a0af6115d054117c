package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"huddle/internal/auth"
	"huddle/internal/protocol"
	"huddle/internal/quest"
	"huddle/internal/room"

	"github.com/labstack/echo/v4"
)

type roomSummary struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	HostID           string    `json:"hostId"`
	MaxParticipants  int       `json:"maxParticipants"`
	Private          bool      `json:"private"`
	ParticipantCount int       `json:"participantCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

type roomDetail struct {
	roomSummary
	Participants []protocol.Participant `json:"participants"`
}

func summary(r room.Room) roomSummary {
	return roomSummary{
		ID:               r.ID,
		Name:             r.Name,
		HostID:           r.HostID,
		MaxParticipants:  r.MaxParticipants,
		Private:          r.Private,
		ParticipantCount: len(r.Participants),
		CreatedAt:        r.CreatedAt,
	}
}

func summarize(rooms []room.Room) []roomSummary {
	out := make([]roomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, summary(r))
	}
	return out
}

func (s *Server) handleListRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, summarize(s.deps.Rooms.List()))
}

func (s *Server) handleGetRoom(c echo.Context) error {
	r, err := s.deps.Rooms.Get(strings.TrimSpace(c.Param("id")))
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "room not found")
		}
		return err
	}

	detail := roomDetail{roomSummary: summary(r), Participants: make([]protocol.Participant, 0, len(r.Participants))}
	for _, p := range r.Participants {
		detail.Participants = append(detail.Participants, protocol.Participant{
			UserID:         p.UserID,
			IsMuted:        p.IsMuted,
			IsSpeaking:     p.IsSpeaking,
			IsVideoEnabled: p.IsVideoEnabled,
			IsHandRaised:   p.IsHandRaised,
			JoinedAt:       p.JoinedAt,
		})
	}
	return c.JSON(http.StatusOK, detail)
}

type createRoomResponse struct {
	Room     roomSummary `json:"room"`
	Password string      `json:"password,omitempty"`
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	id, ok := auth.FromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}

	var spec room.Spec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid room spec")
	}
	r, password, err := s.deps.Rooms.CreateRoom(spec, id.UserID)
	if err != nil {
		if errors.Is(err, room.ErrInvalidCapacity) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}

	if s.deps.Quests != nil {
		s.deps.Quests.Notify(quest.Event{Type: quest.EventRoomCreated, UserID: id.UserID, RoomID: r.ID})
	}
	return c.JSON(http.StatusCreated, createRoomResponse{Room: summary(r), Password: password})
}
