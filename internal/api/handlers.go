package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/tangenthq/tangent/internal/api/auth"
	"github.com/tangenthq/tangent/internal/navtree"
	"github.com/tangenthq/tangent/internal/thread"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

type forkRequest struct {
	HighlightedText string `json:"highlighted_text"`
}

type appendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type conversationTreeResponse struct {
	Conversation *thread.Conversation `json:"conversation"`
	Threads      []*thread.Thread     `json:"threads"`
}

type mergeResponse struct {
	MergeEvent *thread.MergeEvent `json:"merge_event"`
}

type archiveResponse struct {
	ArchivedThreadIDs []string `json:"archived_thread_ids"`
}

type tangentSnapshotResponse struct {
	MainThreadID string            `json:"main_thread_id"`
	Tangents     []navtree.Tangent `json:"tangents"`
}

func (s *Server) createConversation(c echo.Context) error {
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	conv, root, err := s.service.CreateConversation(c.Request().Context(), auth.GetUserID(c), req.Title)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusCreated, conversationTreeResponse{
		Conversation: conv,
		Threads:      []*thread.Thread{root},
	})
}

func (s *Server) listConversations(c echo.Context) error {
	convs, err := s.service.ListConversations(c.Request().Context(), auth.GetUserID(c))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, convs)
}

func (s *Server) getConversation(c echo.Context) error {
	conv, threads, err := s.service.GetTree(c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, conversationTreeResponse{Conversation: conv, Threads: threads})
}

func (s *Server) renameConversation(c echo.Context) error {
	var req renameConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	conv, err := s.service.RenameConversation(c.Request().Context(), auth.GetUserID(c), c.Param("id"), req.Title)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) deleteConversation(c echo.Context) error {
	if err := s.service.DeleteConversation(c.Request().Context(), auth.GetUserID(c), c.Param("id")); err != nil {
		return serviceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// getTangentSnapshot returns the open-tangent list a client hydrates its
// navigation state from after a reload.
func (s *Server) getTangentSnapshot(c echo.Context) error {
	_, threads, err := s.service.GetTree(c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}

	var mainThreadID string
	nodes := make([]navtree.ThreadNode, 0, len(threads))
	for _, t := range threads {
		if t.IsRoot() {
			mainThreadID = t.ID
		}
		nodes = append(nodes, navtree.ThreadNode{
			ID:              t.ID,
			ParentThreadID:  t.ParentThreadID,
			ParentMessageID: t.ParentMessageID,
			HighlightedText: t.HighlightedText,
			Depth:           t.Depth,
			Active:          t.Status == thread.StatusActive,
		})
	}

	return c.JSON(http.StatusOK, tangentSnapshotResponse{
		MainThreadID: mainThreadID,
		Tangents:     navtree.Reconstruct(nodes, mainThreadID),
	})
}

func (s *Server) forkThread(c echo.Context) error {
	var req forkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	t, err := s.service.Fork(c.Request().Context(), auth.GetUserID(c), c.Param("id"), req.HighlightedText)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) mergeThread(c echo.Context) error {
	event, err := s.service.Merge(c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, mergeResponse{MergeEvent: event})
}

func (s *Server) archiveThread(c echo.Context) error {
	archived, err := s.service.Archive(c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, archiveResponse{ArchivedThreadIDs: archived})
}

func (s *Server) branchThread(c echo.Context) error {
	conv, err := s.service.Branch(c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusCreated, conv)
}

func (s *Server) listThreadMessages(c echo.Context) error {
	msgs, err := s.service.GetThreadMessages(c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) appendThreadMessage(c echo.Context) error {
	var req appendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	msg, err := s.service.AppendMessage(c.Request().Context(), auth.GetUserID(c), c.Param("id"), thread.Role(req.Role), req.Content)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) listThreadMergeEvents(c echo.Context) error {
	events, err := s.service.GetThreadMergeEvents(c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) buildThreadContext(c echo.Context) error {
	// Ownership is checked through the service before touching the assembler.
	t, err := s.service.GetThread(c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}

	msgs, err := s.assembler.BuildContext(c.Request().Context(), t.ID)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

// serviceError maps domain errors to HTTP status codes. Unknown errors are
// logged and surfaced as 500 without leaking internals.
func serviceError(err error) error {
	switch {
	case errors.Is(err, thread.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, thread.ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, thread.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled service error")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
