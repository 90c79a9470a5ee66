package httpilp

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/payrelay/internal/auth"
	"github.com/terminal-bench/payrelay/internal/pipeline"
	"github.com/terminal-bench/payrelay/internal/settlement"
	"github.com/terminal-bench/payrelay/internal/transfer"
)

const maxBodyBytes = 1 << 20 // 1 MiB data payload limit

// Server exposes the transfer endpoint and feeds authenticated transfers
// into the pipeline.
type Server struct {
	engine    *gin.Engine
	chain     *pipeline.Chain
	auth      *auth.Service
	publisher *settlement.Publisher
}

// NewServer wires the transfer endpoint onto a gin engine. publisher may
// be nil when the relay runs without a message bus.
func NewServer(chain *pipeline.Chain, authService *auth.Service, publisher *settlement.Publisher) *Server {
	s := &Server{
		engine:    gin.Default(),
		chain:     chain,
		auth:      authService,
		publisher: publisher,
	}

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	s.engine.POST("/transfers", s.handleTransfer)
	return s
}

// Handler returns the underlying HTTP handler, for mounting in an
// http.Server or a test server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleTransfer(c *gin.Context) {
	account, err := s.auth.Authenticate(c.GetHeader("Authorization"))
	if err != nil {
		status, body := encodeError(transfer.ErrUnauthorized(err.Error()))
		c.JSON(status, body)
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		status, body := encodeError(transfer.NewError(transfer.CodeApplicationError, http.StatusBadRequest, "failed to read transfer data"))
		c.JSON(status, body)
		return
	}

	t, perr := parseTransfer(c.Request.Header, data)
	if perr != nil {
		status, body := encodeError(perr)
		c.JSON(status, body)
		return
	}
	t.From = account.Prefix

	tctx := &pipeline.Context{}
	tctx.Incoming.Transfer = t
	tctx.Incoming.Account = account

	if err := s.chain.Run(c.Request.Context(), tctx); err != nil {
		s.publisher.TransferRejected(c.Request.Context(), t, err)
		status, body := encodeError(err)
		c.JSON(status, body)
		return
	}

	if tctx.Fulfillment == nil {
		// No handler completed the transfer: the chain short-circuited
		// without producing a fulfillment or an error.
		err := transfer.NewError(transfer.CodeInternalError, http.StatusBadGateway, "transfer was not fulfilled")
		s.publisher.TransferRejected(c.Request.Context(), t, err)
		status, body := encodeError(err)
		c.JSON(status, body)
		return
	}

	s.publisher.TransferFulfilled(c.Request.Context(), t)
	c.Header(headerFulfillment, transfer.EncodeCondition(tctx.Fulfillment))
	c.Data(http.StatusOK, "application/octet-stream", tctx.ResponseData)
}
