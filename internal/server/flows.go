package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/petrijr/flowcore/pkg/api"
	"github.com/petrijr/flowcore/pkg/log"
)

func (s *Server) offer(c *gin.Context) {
	var req OfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, ErrInvalidJSON, err)
		return
	}

	traceID, err := s.engine.Offer(c.Request.Context(), c.Param("streamID"), req.Data...)
	if err != nil && traceID == "" {
		s.fail(c, err)
		return
	}
	if err != nil {
		// contexts are stored; only the wake-up notice failed
		s.logger.Warn("Offer notice failed", log.TraceID(traceID), log.Error(err))
	}
	c.JSON(http.StatusCreated, OfferResponse{TraceID: traceID})
}

func (s *Server) offerTrace(c *gin.Context) {
	var req OfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, ErrInvalidJSON, err)
		return
	}

	traceID := c.Param("traceID")
	transID, err := s.engine.OfferTrace(c.Request.Context(), traceID, req.Data...)
	if err != nil && transID == "" {
		s.fail(c, err)
		return
	}
	if err != nil {
		s.logger.Warn("Offer notice failed", log.TraceID(traceID), log.Error(err))
	}
	c.JSON(http.StatusCreated, OfferResponse{TraceID: traceID, TransID: transID})
}

func (s *Server) complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, ErrInvalidJSON, err)
		return
	}
	if err := s.engine.Complete(c.Request.Context(), c.Param("streamID"), req.IDs, req.Data); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getTrace(c *gin.Context) {
	trace, err := s.engine.GetTrace(c.Request.Context(), c.Param("traceID"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, traceResponse(trace))
}

func (s *Server) terminate(c *gin.Context) {
	if err := s.engine.Terminate(c.Request.Context(), c.Param("traceID")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) runningContexts(c *gin.Context) {
	q, ok := contextQuery(c)
	if !ok {
		return
	}
	ctxs, err := s.engine.QueryRunningContexts(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contextResponses(ctxs))
}

func (s *Server) finishedContexts(c *gin.Context) {
	s.page(c, s.engine.GetFinishedContexts)
}

func (s *Server) errorContexts(c *gin.Context) {
	s.page(c, s.engine.GetErrorContexts)
}

type pageFunc func(ctx context.Context, q api.ContextQuery, page, limit int) (*api.Page, error)

func (s *Server) page(c *gin.Context, fetch pageFunc) {
	q, ok := contextQuery(c)
	if !ok {
		return
	}
	page, err := queryInt(c, "page", 1)
	if err != nil {
		badRequest(c, ErrInvalidPage, err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badRequest(c, ErrInvalidPage, err)
		return
	}

	res, err := fetch(c.Request.Context(), q, page, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, PageResponse{
		Items: contextResponses(res.Items),
		Total: res.Total,
		Page:  res.Page,
		Limit: res.Limit,
	})
}

func contextQuery(c *gin.Context) (api.ContextQuery, bool) {
	q := api.ContextQuery{
		TraceID: c.Query("trace_id"),
		TransID: c.Query("trans_id"),
	}
	if q.TraceID == "" && q.TransID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:  ErrInvalidQuery.Error(),
			Status: http.StatusBadRequest,
		})
		return q, false
	}
	return q, true
}

func traceResponse(t *api.FlowTrace) TraceResponse {
	res := TraceResponse{
		ID:          t.ID,
		StreamID:    t.StreamID,
		Status:      string(t.Status),
		ContextPool: t.ContextPool,
		StartTime:   t.StartTime,
	}
	if res.ContextPool == nil {
		res.ContextPool = []string{}
	}
	if !t.EndTime.IsZero() {
		end := t.EndTime
		res.EndTime = &end
	}
	return res
}

func contextResponses(ctxs []*api.FlowContext) []ContextResponse {
	out := make([]ContextResponse, 0, len(ctxs))
	for _, fc := range ctxs {
		out = append(out, ContextResponse{
			ID:           fc.ID,
			TraceID:      fc.TraceID,
			TransID:      fc.TransID,
			StreamID:     fc.StreamID,
			Position:     fc.Position,
			PrevPosition: fc.PrevPosition,
			Status:       string(fc.Status),
			BatchID:      fc.BatchID,
			Sent:         fc.Sent,
			Data:         fc.Data,
			Meta:         fc.Meta,
			UpdateTime:   fc.UpdateTime,
		})
	}
	return out
}
