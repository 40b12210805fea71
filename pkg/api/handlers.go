package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/pipeline"
	"github.com/otherjamesbrown/mailpulse/pkg/trigger"
)

const healthCheckTimeout = 3 * time.Second

// AddressBody is an email participant in a request.
type AddressBody struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name"`
}

// MessageBody is the message to analyze.
type MessageBody struct {
	ID                string        `json:"id" binding:"required"`
	ThreadID          string        `json:"threadId"`
	ProviderMessageID string        `json:"providerMessageId"`
	From              AddressBody   `json:"from"`
	To                []AddressBody `json:"to" binding:"omitempty,dive"`
	Cc                []AddressBody `json:"cc" binding:"omitempty,dive"`
	Bcc               []AddressBody `json:"bcc" binding:"omitempty,dive"`
	Subject           string        `json:"subject"`
	Body              string        `json:"body"`
	ReceivedAt        time.Time     `json:"receivedAt"`
}

func (m MessageBody) message() analysis.Message {
	received := m.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	return analysis.Message{
		ID:                m.ID,
		ThreadID:          m.ThreadID,
		ProviderMessageID: m.ProviderMessageID,
		From:              analysis.Address(m.From),
		To:                addresses(m.To),
		Cc:                addresses(m.Cc),
		Bcc:               addresses(m.Bcc),
		Subject:           m.Subject,
		Body:              m.Body,
		ReceivedAt:        received,
	}
}

func addresses(in []AddressBody) []analysis.Address {
	if len(in) == 0 {
		return nil
	}
	out := make([]analysis.Address, len(in))
	for i, a := range in {
		out[i] = analysis.Address(a)
	}
	return out
}

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	TenantID      string           `json:"tenantId" binding:"required"`
	Message       MessageBody      `json:"message"`
	ThreadContext string           `json:"threadContext"`
	AnalysisTypes []string         `json:"analysisTypes"`
	Config        *analysis.Config `json:"config"`
}

// AnalyzeResponse maps each kind to its raw payload. Kinds that failed are
// listed in Errors instead; Success is false only when the run aborted.
type AnalyzeResponse struct {
	Success       bool                              `json:"success"`
	Results       map[analysis.Kind]json.RawMessage `json:"results"`
	Errors        map[analysis.Kind]string          `json:"errors,omitempty"`
	ModelUsed     map[analysis.Kind]string          `json:"modelUsed,omitempty"`
	ContextSource string                            `json:"contextSource,omitempty"`
	Error         *ErrorBody                        `json:"error,omitempty"`
}

func (s *Server) analyze(c *gin.Context) {
	var body AnalyzeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		bindError(c, err)
		return
	}
	c.Set("tenantId", body.TenantID)

	req := pipeline.Request{
		TenantID: body.TenantID,
		Message:  body.Message.message(),
		Kinds:    analysis.ParseKinds(body.AnalysisTypes),
		Config:   body.Config,
	}
	if body.ThreadContext != "" {
		req.ThreadContext = &analysis.ThreadContext{Text: body.ThreadContext}
	}

	resp := AnalyzeResponse{Results: map[analysis.Kind]json.RawMessage{}}
	out, err := s.analyzer.Run(c.Request.Context(), req)
	if err != nil {
		pe := pferrors.ClassifyError(err, pferrors.StageGather)
		resp.Error = &ErrorBody{Code: string(pe.Code), Message: pe.Error(), Retryable: pferrors.IsErrorRetryable(pe), RequestID: RequestIDFromContext(c)}
		c.JSON(statusFor(pe.Code), resp)
		return
	}

	resp.Success = true
	if g := out.Gathered; g != nil {
		resp.ContextSource = g.ContextSource
		for kind, r := range g.Results {
			if r.Failed() {
				if resp.Errors == nil {
					resp.Errors = map[analysis.Kind]string{}
				}
				resp.Errors[kind] = r.Error
				continue
			}
			resp.Results[kind] = r.Result
			if resp.ModelUsed == nil {
				resp.ModelUsed = map[analysis.Kind]string{}
			}
			resp.ModelUsed[kind] = r.ModelUsed
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) messageInserted(c *gin.Context) {
	var ev trigger.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		bindError(c, err)
		return
	}
	c.Set("tenantId", ev.TenantID)

	if err := ev.Validate(); err != nil {
		PipelineFailure(c, "dispatch", err, nil)
		return
	}

	id, err := s.events.Send(c.Request.Context(), ev)
	switch {
	case errors.Is(err, trigger.ErrDuplicateEvent):
		c.JSON(http.StatusOK, gin.H{"queued": false, "duplicate": true, "messageId": ev.MessageID})
	case err != nil:
		PipelineFailure(c, "dispatch", err, nil)
	default:
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "queueId": id, "messageId": ev.MessageID})
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}
