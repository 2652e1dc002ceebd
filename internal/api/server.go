package api

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvstep/internal/logger"
	"github.com/samcharles93/kvstep/internal/model"
	"github.com/samcharles93/kvstep/internal/session"
	"github.com/samcharles93/kvstep/internal/tensor"
)

// maxBodyBytes bounds forward request bodies.
const maxBodyBytes = 8 << 20

type Server struct {
	sessions *session.Store
	cfg      model.Config
	log      logger.Logger
}

// NewServer serves sessions from store. cfg is the resolved configuration
// every session's model shares.
func NewServer(store *session.Store, cfg model.Config, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		sessions: store,
		cfg:      cfg,
		log:      log,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/config", s.handleConfig)

	e.GET("/v1/sessions", s.handleListSessions)
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/forward", s.handleForward)
	e.POST("/v1/sessions/:id/reset", s.handleReset)
}

func (s *Server) handleConfig(c *echo.Context) error {
	cfg := s.cfg
	resp := ConfigResponse{
		Object:       "model.config",
		Dim:          cfg.Dim,
		NLayers:      cfg.NLayers,
		NHeads:       cfg.NHeads,
		NKVHeads:     cfg.KVHeads(),
		VocabSize:    cfg.VocabSize,
		MultipleOf:   cfg.MultipleOf,
		NormEps:      cfg.NormEps,
		MaxBatchSize: cfg.MaxBatchSize,
		MaxSeqLen:    cfg.MaxSeqLen,
		RopeTheta:    cfg.RopeTheta,
		Device:       cfg.Device,
		HeadDim:      cfg.HeadDim(),
		NRep:         cfg.NRep(),
		HiddenDim:    cfg.HiddenDim(),
	}
	if mult, ok := cfg.FFNDimMultiplier.Get(); ok {
		resp.FFNDimMultiplier = &mult
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListSessions(c *echo.Context) error {
	infos := s.sessions.List()
	out := SessionList{Object: "list", Data: make([]SessionResponse, 0, len(infos))}
	for _, info := range infos {
		out.Data = append(out.Data, sessionResponse(info))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	sess, err := s.sessions.Create()
	if err != nil {
		return writeModelError(c, err)
	}
	s.log.Info("session created", "id", sess.ID)
	return c.JSON(http.StatusOK, sessionResponse(sess.Info()))
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return writeModelError(c, err)
	}
	return c.JSON(http.StatusOK, sessionResponse(sess.Info()))
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if err := s.sessions.Delete(id); err != nil {
		return writeModelError(c, err)
	}
	s.log.Info("session deleted", "id", id)
	return c.JSON(http.StatusOK, DeleteSessionResponse{
		ID:      id,
		Object:  "session.deleted",
		Deleted: true,
	})
}

func (s *Server) handleReset(c *echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return writeModelError(c, err)
	}
	sess.Reset()
	return c.JSON(http.StatusOK, sessionResponse(sess.Info()))
}

func (s *Server) handleForward(c *echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return writeModelError(c, err)
	}
	req, err := decodeJSON[ForwardRequest](io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return writeBadRequest(c, fmt.Sprintf("decode request: %v", err))
	}
	if err := validateForward(&req, s.cfg); err != nil {
		return writeModelError(c, err)
	}

	start := time.Now()
	var (
		logits *model.Logits
		pos    int
	)
	if req.StartPos != nil {
		logits, pos, err = sess.ForwardAt(req.Tokens, *req.StartPos)
	} else {
		logits, pos, err = sess.Forward(req.Tokens)
	}
	log := s.log.With("session", sess.ID)
	if err != nil {
		log.Warn("forward failed", "error", err)
		return writeModelError(c, err)
	}
	log.Debug("forward",
		logger.Shape("shape", logits.Batch, logits.Seq, logits.Vocab),
		logger.Position(pos-1, s.cfg.MaxSeqLen),
		logger.Vector("logits", logits.Row(0, 0)),
		"elapsed", time.Since(start),
	)

	return c.JSON(http.StatusOK, forwardResponse(sess.ID, logits, pos, req.TopK))
}

func validateForward(req *ForwardRequest, cfg model.Config) error {
	if len(req.Tokens) == 0 {
		return newInvalidRequest("tokens is required")
	}
	if req.TopK < 0 {
		return newInvalidRequest("top_k must be >= 0")
	}
	if req.TopK > cfg.VocabSize {
		req.TopK = cfg.VocabSize
	}
	return nil
}

func forwardResponse(id string, logits *model.Logits, pos, topK int) ForwardResponse {
	resp := ForwardResponse{
		ID:       id,
		Object:   "forward",
		Shape:    logits.Shape(),
		Position: pos,
		Argmax:   make([]int, logits.Batch),
	}
	if topK == 0 {
		resp.Logits = make([][][]float32, logits.Batch)
	} else {
		resp.Top = make([][]TokenLogit, logits.Batch)
	}
	for b := range logits.Batch {
		row := logits.Row(b, 0)
		resp.Argmax[b] = tensor.Argmax(row)
		if topK == 0 {
			resp.Logits[b] = [][]float32{row}
			continue
		}
		resp.Top[b] = topLogits(row, topK)
	}
	return resp
}

// topLogits returns the k largest entries of row, highest first. Ties keep
// the lower token id first.
func topLogits(row []float32, k int) []TokenLogit {
	all := make([]TokenLogit, len(row))
	for i, v := range row {
		all[i] = TokenLogit{Token: i, Logit: v}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Logit > all[j].Logit })
	return all[:min(k, len(all))]
}

func sessionResponse(info session.Info) SessionResponse {
	return SessionResponse{
		ID:       info.ID,
		Object:   "session",
		Created:  info.Created,
		Position: info.Position,
		Steps:    info.Steps,
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
